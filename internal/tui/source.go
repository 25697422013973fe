package tui

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/gantry/internal/events"
)

type eventMsg events.Event

// streamClosedMsg means a local event channel was closed.
type streamClosedMsg struct{}

type sseDisconnectedMsg struct{ err error }

type reconnectMsg struct{}

// receiveNextEvent waits for the next event from the channel.
func receiveNextEvent(ch <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-ch
		if !ok {
			return streamClosedMsg{}
		}
		return eventMsg(ev)
	}
}

// subscribeToEvents connects to the SSE /events endpoint of a gantry server
// and feeds events into ch. It returns sseDisconnectedMsg when the
// connection drops.
func subscribeToEvents(apiURL, apiKey string, ch chan<- events.Event) tea.Cmd {
	return func() tea.Msg {
		return sseDisconnectedMsg{err: StreamSSE(context.Background(), http.DefaultClient, apiURL, apiKey, ch)}
	}
}

// StreamSSE reads the server-sent event stream at apiURL+"/events" into ch
// until the stream ends or ctx is cancelled.
func StreamSSE(ctx context.Context, client *http.Client, apiURL, apiKey string, ch chan<- events.Event) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(apiURL, "/")+"/events", nil)
	if err != nil {
		return fmt.Errorf("build events request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("connect to event stream: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("event stream returned %s", resp.Status)
	}

	scanner := bufio.NewScanner(resp.Body)
	var current events.Event
	for scanner.Scan() {
		line := scanner.Text()

		if line == "" {
			if len(current.Data) > 0 {
				if current.At.IsZero() {
					current.At = time.Now()
				}
				select {
				case ch <- current:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			current = events.Event{}
			continue
		}

		switch {
		case strings.HasPrefix(line, ":"):
			// keep-alive comment
		case strings.HasPrefix(line, "id: "):
			if id, err := strconv.ParseInt(line[4:], 10, 64); err == nil {
				current.ID = id
			}
		case strings.HasPrefix(line, "event: "):
			current.Type = line[7:]
		case strings.HasPrefix(line, "data: "):
			current.Data = []byte(line[6:])
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read event stream: %w", err)
	}
	return nil
}
