// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package homeserver

import (
	"fmt"

	"github.com/matrix-org/gomatrix"
	"github.com/pkg/errors"
)

// Error is returned for any failed request to the homeserver. Status and
// ErrCode are filled in when the homeserver answered with an error
// response rather than the request failing outright.
type Error struct {
	Op      string
	Status  int
	ErrCode string
	Err     error
}

func (e *Error) Error() string {
	if e.ErrCode != "" {
		return fmt.Sprintf("%s: %s (HTTP %d)", e.Op, e.Err, e.Status)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Cause lets errors.Cause find the underlying failure.
func (e *Error) Cause() error { return e.Err }

// MatrixErrCode returns the Matrix errcode the homeserver responded with,
// if any.
func (e *Error) MatrixErrCode() string { return e.ErrCode }

// HTTPStatus returns the HTTP status the homeserver responded with, or 0
// if no response was received.
func (e *Error) HTTPStatus() int { return e.Status }

// IsUnknownToken reports whether err means the homeserver rejected the
// access token.
func IsUnknownToken(err error) bool {
	var hsErr *Error
	if !errors.As(err, &hsErr) {
		return false
	}
	return hsErr.Status == 401 || hsErr.ErrCode == "M_UNKNOWN_TOKEN" || hsErr.ErrCode == "M_MISSING_TOKEN"
}

func wrapError(op string, err error) error {
	hsErr := &Error{Op: op, Err: err}
	var httpErr gomatrix.HTTPError
	if errors.As(err, &httpErr) {
		hsErr.Status = httpErr.Code
		switch wrapped := httpErr.WrappedError.(type) {
		case gomatrix.RespError:
			hsErr.ErrCode = wrapped.ErrCode
		case *gomatrix.RespError:
			hsErr.ErrCode = wrapped.ErrCode
		}
	}
	return errors.WithStack(hsErr)
}
