// SPDX-License-Identifier: GPL-3.0-or-later

package dispatchd

import "fmt"

// Scheme is the connection type: plain HTTP or HTTPS.
type Scheme int

const (
	// SchemeHTTP is plaintext HTTP. This is the zero value.
	SchemeHTTP Scheme = iota

	// SchemeHTTPS is HTTP over TLS.
	SchemeHTTPS
)

// ParseScheme parses "http" or "https".
//
// The returned error wraps [ErrInvalidProtocol].
func ParseScheme(value string) (Scheme, error) {
	switch value {
	case "http":
		return SchemeHTTP, nil
	case "https":
		return SchemeHTTPS, nil
	case "":
		return SchemeHTTP, ErrEmptyProtocol
	default:
		return SchemeHTTP, fmt.Errorf("%w: %s", ErrInvalidProtocol, value)
	}
}

// String returns "http" or "https".
func (s Scheme) String() string {
	if s == SchemeHTTPS {
		return "https"
	}
	return "http"
}

// DisplayName returns "HTTP" or "HTTPS".
func (s Scheme) DisplayName() string {
	if s == SchemeHTTPS {
		return "HTTPS"
	}
	return "HTTP"
}

// DefaultPort is the port a client uses when the URL omits it.
func (s Scheme) DefaultPort() uint16 {
	if s == SchemeHTTPS {
		return 443
	}
	return 80
}

// DefaultListenPort is the port the server binds when none is configured.
func (s Scheme) DefaultListenPort() uint16 {
	if s == SchemeHTTPS {
		return 5443
	}
	return 5080
}
