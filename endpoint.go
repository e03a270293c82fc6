// SPDX-License-Identifier: GPL-3.0-or-later

package dispatchd

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Errors returned (wrapped in [*EndpointError]) by [ParseEndpoint].
var (
	// ErrInvalidFormat indicates that the input lacks the "://" separator.
	ErrInvalidFormat = errors.New("invalid URL format")

	// ErrInvalidProtocol indicates an unsupported scheme.
	ErrInvalidProtocol = errors.New("invalid protocol")

	// ErrEmptyProtocol indicates an empty scheme. It wraps [ErrInvalidProtocol].
	ErrEmptyProtocol = fmt.Errorf("%w: protocol cannot be empty", ErrInvalidProtocol)

	// ErrInvalidIPv6 indicates a bracketed host without the closing bracket.
	ErrInvalidIPv6 = errors.New("invalid IPv6 format: requires ]")

	// ErrNoServerName indicates that the host is empty.
	ErrNoServerName = errors.New("invalid URL format: no server name")

	// ErrEmptyPort indicates that a ':' is not followed by a port number.
	ErrEmptyPort = errors.New("invalid URL format: port number is empty")

	// ErrInvalidPort indicates that the port is not a valid uint16.
	ErrInvalidPort = errors.New("invalid URL format: port number")

	// ErrUnparsable indicates an unexpected failure while parsing.
	ErrUnparsable = errors.New("unable to parse URL")
)

// EndpointError is the error returned by [ParseEndpoint].
type EndpointError struct {
	// Input is the string we failed to parse.
	Input string

	// Err is the underlying reason, one of the Err* values of this package,
	// possibly wrapped with extra context.
	Err error
}

// Error implements error.
func (e *EndpointError) Error() string {
	return fmt.Sprintf("%s: %q", e.Err.Error(), e.Input)
}

// Unwrap returns the underlying reason.
func (e *EndpointError) Unwrap() error {
	return e.Err
}

// Endpoint is a parsed http:// or https:// URL.
//
// The zero value is not a valid endpoint; use [ParseEndpoint].
type Endpoint struct {
	// Scheme is either [SchemeHTTP] or [SchemeHTTPS].
	Scheme Scheme

	// Host is the server name or IP address. Bracketed IPv6
	// literals are stored without the brackets.
	Host string

	// Port is the explicit port or zero to use the scheme default.
	Port uint16

	// Path is the path and query. It is never empty.
	Path string
}

// ParseEndpoint parses a scheme://host[:port][/path][?query] string.
//
// On failure, it returns the zero [Endpoint] and an [*EndpointError].
func ParseEndpoint(raw string) (ep Endpoint, err error) {
	defer func() {
		if r := recover(); r != nil {
			ep, err = Endpoint{}, &EndpointError{Input: raw, Err: fmt.Errorf("%w: %v", ErrUnparsable, r)}
		}
	}()
	ep, err = parseEndpoint(raw)
	if err != nil {
		return Endpoint{}, &EndpointError{Input: raw, Err: err}
	}
	return ep, nil
}

func parseEndpoint(raw string) (Endpoint, error) {
	var ep Endpoint

	// 1. scheme
	idx := strings.Index(raw, "://")
	if idx < 0 {
		return ep, ErrInvalidFormat
	}
	scheme, err := ParseScheme(raw[:idx])
	if err != nil {
		return ep, err
	}
	ep.Scheme = scheme
	rest := strings.TrimLeft(raw[idx+3:], " ")

	// 2. bracketed IPv6 host
	if strings.HasPrefix(rest, "[") {
		end := strings.IndexByte(rest, ']')
		if end < 0 {
			return ep, ErrInvalidIPv6
		}
		ep.Host = rest[1:end]
		if ep.Host == "" {
			return ep, ErrNoServerName
		}
		rest = rest[end+1:]
	}

	// 3. host up to the first delimiter
	delim := strings.IndexAny(rest, ":/?")
	if delim < 0 {
		if ep.Host == "" {
			ep.Host = rest
			if ep.Host == "" {
				return ep, ErrNoServerName
			}
		}
		ep.Path = "/"
		return ep, nil
	}
	if ep.Host == "" {
		ep.Host = rest[:delim]
		if ep.Host == "" {
			return ep, ErrNoServerName
		}
	}
	rest = rest[delim:]

	// 4. optional port
	if rest[0] == ':' {
		rest = rest[1:]
		end := strings.IndexAny(rest, "/?")
		value := rest
		if end >= 0 {
			value, rest = rest[:end], rest[end:]
		} else {
			rest = ""
		}
		if value == "" {
			return ep, ErrEmptyPort
		}
		port, err := strconv.ParseUint(value, 10, 16)
		if err != nil {
			return ep, fmt.Errorf("%w - %s", ErrInvalidPort, numErrorReason(err))
		}
		ep.Port = uint16(port)
	}

	// 5. path and query
	ep.Path = endpointPath(rest)
	return ep, nil
}

func endpointPath(rest string) string {
	switch {
	case rest == "":
		return "/"
	case rest[0] == '?':
		return "/" + rest
	default:
		return rest
	}
}

func numErrorReason(err error) string {
	var numErr *strconv.NumError
	if errors.As(err, &numErr) {
		return numErr.Err.Error()
	}
	return err.Error()
}

// EffectivePort returns the port to connect to, using the scheme
// default (80 or 443) when Port is zero.
func (ep Endpoint) EffectivePort() uint16 {
	if ep.Port != 0 {
		return ep.Port
	}
	return ep.Scheme.DefaultPort()
}

// Address returns the host:port pair suitable for [net.Dial].
func (ep Endpoint) Address() string {
	return net.JoinHostPort(ep.Host, strconv.Itoa(int(ep.EffectivePort())))
}

// String reconstructs the URL. Parsing the result yields the same [Endpoint].
func (ep Endpoint) String() string {
	var sb strings.Builder
	sb.WriteString(ep.Scheme.String())
	sb.WriteString("://")
	if needsBrackets(ep.Host) {
		sb.WriteString("[" + ep.Host + "]")
	} else {
		sb.WriteString(ep.Host)
	}
	if ep.Port != 0 {
		sb.WriteString(":" + strconv.Itoa(int(ep.Port)))
	}
	sb.WriteString(ep.Path)
	return sb.String()
}

// needsBrackets returns whether host only survives parsing in bracket form.
func needsBrackets(host string) bool {
	return strings.ContainsAny(host, ":/?") || strings.HasPrefix(host, "[") || strings.HasPrefix(host, " ")
}
