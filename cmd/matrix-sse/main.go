// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package main

import (
	"os"

	"github.com/element-hq/matrix-sse/internal"
)

func main() {
	internal.SetupStdLogging()
	if err := NewRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
