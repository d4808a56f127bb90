// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package stream

import (
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
)

// SyncErrorEventName is the event sent when a /sync query fails.
const SyncErrorEventName = "sync_error"

// SyncError is the data of a sync_error event.
type SyncError struct {
	// Kind is the Go type of the underlying failure.
	Kind    string `json:"kind"`
	Message string `json:"message"`
	// Set when the homeserver answered with a Matrix error.
	ErrCode string `json:"errcode,omitempty"`
	Status  int    `json:"status,omitempty"`
}

type matrixError interface {
	MatrixErrCode() string
	HTTPStatus() int
}

// DescribeError builds the sync_error payload for err.
func DescribeError(err error) SyncError {
	desc := SyncError{
		Kind:    fmt.Sprintf("%T", errors.Cause(err)),
		Message: err.Error(),
	}
	var me matrixError
	if errors.As(err, &me) {
		desc.ErrCode = me.MatrixErrCode()
		desc.Status = me.HTTPStatus()
	}
	return desc
}

func encodeError(err error) []byte {
	b, merr := json.Marshal(DescribeError(err))
	if merr != nil {
		return []byte(`{"kind":"unknown","message":"unencodable error"}`)
	}
	return b
}
