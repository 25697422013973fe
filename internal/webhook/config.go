package webhook

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/mattjoyce/gantry/internal/config"
)

// FromConfig converts the hooks section of the gantry config into a server
// Config.
func FromConfig(hc config.HooksConfig) (Config, error) {
	cfg := Config{
		Listen:    hc.Listen,
		Endpoints: make([]EndpointConfig, 0, len(hc.Endpoints)),
	}

	for _, ep := range hc.Endpoints {
		if ep.Secret == "" {
			return Config{}, fmt.Errorf("webhook endpoint %q: no secret configured", ep.Path)
		}

		maxBodySize, err := parseMaxBodySize(ep.MaxBodySize)
		if err != nil {
			return Config{}, fmt.Errorf("webhook endpoint %q: invalid max_body_size %q: %w", ep.Path, ep.MaxBodySize, err)
		}

		header := ep.SignatureHeader
		if header == "" {
			header = DefaultSignatureHeader
		}

		cfg.Endpoints = append(cfg.Endpoints, EndpointConfig{
			Path:            ep.Path,
			Secret:          ep.Secret,
			SignatureHeader: header,
			MaxBodySize:     maxBodySize,
		})
	}

	return cfg, nil
}

// parseMaxBodySize parses size strings like "1MB", "2048576", "1048576" to bytes.
// Returns DefaultMaxBodySize if empty.
func parseMaxBodySize(size string) (int64, error) {
	if size == "" {
		return DefaultMaxBodySize, nil
	}

	upper := strings.ToUpper(strings.TrimSpace(size))
	multiplier := int64(1)
	for _, unit := range []struct {
		suffix string
		factor int64
	}{
		{"KB", 1024},
		{"MB", 1024 * 1024},
		{"GB", 1024 * 1024 * 1024},
	} {
		if strings.HasSuffix(upper, unit.suffix) {
			multiplier = unit.factor
			upper = strings.TrimSuffix(upper, unit.suffix)
			break
		}
	}

	value, err := strconv.ParseInt(strings.TrimSpace(upper), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size value: %w", err)
	}
	if value <= 0 {
		return 0, fmt.Errorf("size must be positive")
	}

	result := value * multiplier
	if result/multiplier != value {
		return 0, fmt.Errorf("size too large")
	}
	return result, nil
}
