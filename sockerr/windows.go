//go:build windows

//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: https://github.com/rbmk-project/rbmk/blob/v0.17.0/pkg/common/errclass/windows.go
//

package sockerr

import "golang.org/x/sys/windows"

const (
	errEACCES        = windows.Errno(10013) // WSAEACCES
	errEADDRINUSE    = windows.WSAEADDRINUSE
	errEADDRNOTAVAIL = windows.WSAEADDRNOTAVAIL
	errEMFILE        = windows.Errno(10024) // WSAEMFILE
)
