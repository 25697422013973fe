package webhook

import "context"

// Launcher starts pipeline runs in the background.
type Launcher interface {
	Launch(ctx context.Context, branch string) (runID, resolvedBranch string, err error)
}

// Config holds webhook server configuration.
type Config struct {
	Listen    string
	Endpoints []EndpointConfig
}

// EndpointConfig defines a single webhook endpoint.
type EndpointConfig struct {
	// Path is the URL path for this webhook (e.g., "/hooks/github").
	Path string

	// Secret is the HMAC secret for signature verification.
	Secret string

	// SignatureHeader is the HTTP header containing the HMAC signature.
	SignatureHeader string

	// MaxBodySize is the maximum allowed request body size in bytes.
	MaxBodySize int64
}

// TriggerResponse is the JSON response for a handled push.
type TriggerResponse struct {
	RunID  string `json:"run_id,omitempty"`
	Branch string `json:"branch,omitempty"`
	Status string `json:"status"`
}

// ErrorResponse is the JSON response for webhook errors.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Default values
const (
	DefaultMaxBodySize     = 1048576 // 1 MB
	DefaultSignatureHeader = "X-Hub-Signature-256"
)
