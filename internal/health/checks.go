package health

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
)

// Reachable returns a Checker that passes when a TCP connection to the host of
// rawURL can be opened. The connection is closed immediately; no request is
// sent. Default ports are derived from the URL scheme.
func Reachable(name, rawURL string) Checker {
	return Checker{
		Name: name,
		Check: func(ctx context.Context) error {
			addr, err := hostPort(rawURL)
			if err != nil {
				return err
			}
			var d net.Dialer
			conn, err := d.DialContext(ctx, "tcp", addr)
			if err != nil {
				return fmt.Errorf("dial %s: %w", addr, err)
			}
			return conn.Close()
		},
	}
}

// Flag returns a Checker that passes while ok reports true. It adapts
// in-process state such as "the microphone is running" or "the TTS circuit
// breaker is not open".
func Flag(name string, ok func() bool, reason string) Checker {
	return Checker{
		Name: name,
		Check: func(context.Context) error {
			if ok() {
				return nil
			}
			return errors.New(reason)
		},
	}
}

func hostPort(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("url %q has no host", rawURL)
	}
	if u.Port() != "" {
		return u.Host, nil
	}
	switch u.Scheme {
	case "https", "wss":
		return net.JoinHostPort(u.Hostname(), "443"), nil
	default:
		return net.JoinHostPort(u.Hostname(), "80"), nil
	}
}
