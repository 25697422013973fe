package webhook

import (
	"encoding/json"
	"fmt"
	"strings"
)

// pushPayload is the part of a push webhook body gantry reads.
type pushPayload struct {
	Ref    string `json:"ref"`
	Branch string `json:"branch"`
}

// BranchFromPayload extracts the pushed branch from body. ignore is true
// for pushes that are not branch heads, such as tags. An empty branch with
// ignore false means the body did not name one.
func BranchFromPayload(body []byte) (branch string, ignore bool, err error) {
	if len(strings.TrimSpace(string(body))) == 0 {
		return "", false, nil
	}

	var p pushPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return "", false, fmt.Errorf("decode push payload: %w", err)
	}

	switch {
	case strings.HasPrefix(p.Ref, "refs/heads/"):
		return strings.TrimPrefix(p.Ref, "refs/heads/"), false, nil
	case p.Ref != "":
		return "", true, nil
	default:
		return strings.TrimSpace(p.Branch), false, nil
	}
}
