// SPDX-License-Identifier: GPL-3.0-or-later

// Package sockerr explains socket errors that prevent a server from starting.
package sockerr

import "errors"

// Explain returns a short operator-facing hint for errors returned
// when binding a listening socket, or the empty string.
func Explain(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, errEADDRINUSE):
		return "another process is already listening on this port"
	case errors.Is(err, errEACCES):
		return "permission denied: privileged ports require elevated rights"
	case errors.Is(err, errEADDRNOTAVAIL):
		return "the requested address is not available on this host"
	case errors.Is(err, errEMFILE):
		return "too many open files: raise the file descriptor limit"
	default:
		return ""
	}
}

// IsTemporary returns whether an accept error is likely transient, in
// which case the accept loop should back off and retry.
func IsTemporary(err error) bool {
	return errors.Is(err, errEMFILE)
}
