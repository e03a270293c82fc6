// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/bassosimone/dispatchd"
)

// usage is printed by --help.
const usage = "usage: dispatchd [--type=http|https] [--port=<port_number>]\n"

// errHelp is returned when the user passes --help.
var errHelp = errors.New("help requested")

// OptionError is a command line error.
type OptionError struct {
	// Option is the offending option.
	Option string

	// Reason explains what is wrong with it.
	Reason string
}

// Error implements error.
func (e *OptionError) Error() string {
	return e.Option + " " + e.Reason
}

// options contains the parsed command line.
type options struct {
	// Port is the port to bind, defaulting to the scheme's listen port.
	Port uint16

	// Scheme is the connection scheme.
	Scheme dispatchd.Scheme
}

// parseOptions parses the --key=value command line. Each option may
// appear at most once.
func parseOptions(args []string) (*options, error) {
	var (
		port   *uint16
		scheme *dispatchd.Scheme
	)
	for _, arg := range args {
		key, value, hasValue := strings.Cut(arg, "=")
		switch key {
		case "--help", "-h":
			return nil, errHelp

		case "--type":
			if scheme != nil {
				return nil, &OptionError{Option: key, Reason: "cannot be repeated"}
			}
			if !hasValue {
				return nil, &OptionError{Option: key, Reason: "must have a value"}
			}
			s, err := dispatchd.ParseScheme(value)
			if err != nil {
				return nil, &OptionError{Option: key, Reason: "must be http|https"}
			}
			scheme = &s

		case "--port":
			if port != nil {
				return nil, &OptionError{Option: key, Reason: "cannot be repeated"}
			}
			if !hasValue {
				return nil, &OptionError{Option: key, Reason: "must have a value"}
			}
			p, err := strconv.ParseUint(value, 10, 16)
			if err != nil {
				return nil, &OptionError{Option: key, Reason: fmt.Sprintf("error: invalid port %q", value)}
			}
			if p == 0 {
				return nil, &OptionError{Option: key, Reason: "cannot be 0"}
			}
			v := uint16(p)
			port = &v

		default:
			return nil, &OptionError{Option: key, Reason: "is not a valid option"}
		}
	}

	opts := &options{}
	if scheme != nil {
		opts.Scheme = *scheme
	}
	opts.Port = opts.Scheme.DefaultListenPort()
	if port != nil {
		opts.Port = *port
	}
	return opts, nil
}
