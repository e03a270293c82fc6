// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"testing"

	"github.com/bassosimone/dispatchd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOptions(t *testing.T) {
	tests := []struct {
		// name describes what this test case verifies.
		name string

		// args is the command line without the program name.
		args []string

		// want is the expected result on success.
		want *options

		// wantErr is the expected error message, if any.
		wantErr string
	}{
		{
			name: "defaults",
			args: nil,
			want: &options{Port: 5080, Scheme: dispatchd.SchemeHTTP},
		},

		{
			name: "https default port",
			args: []string{"--type=https"},
			want: &options{Port: 5443, Scheme: dispatchd.SchemeHTTPS},
		},

		{
			name: "explicit port",
			args: []string{"--port=8080", "--type=http"},
			want: &options{Port: 8080, Scheme: dispatchd.SchemeHTTP},
		},

		{
			name:    "repeated type",
			args:    []string{"--type=http", "--type=https"},
			wantErr: "--type cannot be repeated",
		},

		{
			name:    "repeated port",
			args:    []string{"--port=1", "--port=1"},
			wantErr: "--port cannot be repeated",
		},

		{
			name:    "type without value",
			args:    []string{"--type"},
			wantErr: "--type must have a value",
		},

		{
			name:    "port without value",
			args:    []string{"--port"},
			wantErr: "--port must have a value",
		},

		{
			name:    "invalid type",
			args:    []string{"--type=ftp"},
			wantErr: "--type must be http|https",
		},

		{
			name:    "port out of range",
			args:    []string{"--port=65536"},
			wantErr: `--port error: invalid port "65536"`,
		},

		{
			name:    "zero port",
			args:    []string{"--port=0"},
			wantErr: "--port cannot be 0",
		},

		{
			name:    "unknown option",
			args:    []string{"--verbose"},
			wantErr: "--verbose is not a valid option",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseOptions(tt.args)
			if tt.wantErr != "" {
				var optErr *OptionError
				require.ErrorAs(t, err, &optErr)
				assert.Equal(t, tt.wantErr, err.Error())
				assert.Nil(t, got)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseOptionsHelp(t *testing.T) {
	_, err := parseOptions([]string{"--port=1", "--help"})
	require.ErrorIs(t, err, errHelp)
}
