// Package endpoint resolves where the ops surface listens. Accepts tcp
// host:port addresses and unix socket paths, with an env override for
// deployments that cannot pass flags.
package endpoint

import (
	"fmt"
	"os"
	"strings"
)

type Endpoint struct {
	Network string // "tcp" or "unix"
	Address string
}

const defaultListen = "127.0.0.1:7866"

// ResolveListen resolves a listen endpoint. Empty input falls back to
// $BURROW_LISTEN, then the loopback default.
func ResolveListen(raw string) (Endpoint, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		value = strings.TrimSpace(os.Getenv("BURROW_LISTEN"))
	}
	if value == "" {
		value = defaultListen
	}

	switch {
	case strings.HasPrefix(value, "unix://"):
		path := strings.TrimPrefix(value, "unix://")
		if path == "" {
			return Endpoint{}, fmt.Errorf("invalid unix endpoint %q", value)
		}
		return Endpoint{Network: "unix", Address: path}, nil
	case strings.HasPrefix(value, "/"):
		return Endpoint{Network: "unix", Address: value}, nil
	case strings.Contains(value, ":"):
		return Endpoint{Network: "tcp", Address: value}, nil
	default:
		return Endpoint{}, fmt.Errorf("unsupported listen endpoint %q (expected host:port, unix://, or absolute socket path)", value)
	}
}
