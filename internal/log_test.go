// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package internal

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/element-hq/matrix-sse/setup/config"
)

func resetLogging(t *testing.T) {
	t.Cleanup(func() {
		levelLogAddedMu.Lock()
		defer levelLogAddedMu.Unlock()
		logrus.StandardLogger().ReplaceHooks(make(logrus.LevelHooks))
		logrus.SetOutput(os.Stderr)
		logrus.SetLevel(logrus.InfoLevel)
		stdLevelLogAdded = make(map[logrus.Level]bool)
	})
}

func TestLogLevelHookLevels(t *testing.T) {
	hook := &logLevelHook{level: logrus.WarnLevel}
	assert.Equal(t, []logrus.Level{logrus.PanicLevel, logrus.FatalLevel, logrus.ErrorLevel, logrus.WarnLevel}, hook.Levels())
}

func TestCallerPrettyfier(t *testing.T) {
	fn, file := callerPrettyfier(&runtime.Frame{
		Function: "github.com/element-hq/matrix-sse/streamapi/stream.(*Dispatcher).dispatch",
		File:     "/home/build/matrix-sse/streamapi/stream/dispatcher.go",
		Line:     42,
	})
	assert.Equal(t, "dispatch\t", fn)
	assert.Equal(t, "streamapi/stream/dispatcher.go:42", file)
}

func TestUTCFormatter(t *testing.T) {
	f := utcFormatter{&logrus.JSONFormatter{}}
	entry := logrus.NewEntry(logrus.New())
	entry.Time = time.Date(2024, 6, 1, 12, 0, 0, 0, time.FixedZone("CEST", 2*60*60))
	out, err := f.Format(entry)
	require.NoError(t, err)
	assert.Contains(t, string(out), `"time":"2024-06-01T10:00:00Z"`)
}

func TestSetupHookLoggingFile(t *testing.T) {
	resetLogging(t)
	dir := t.TempDir()
	err := SetupHookLogging([]config.LogrusHook{
		{Type: "file", Level: "debug", Params: map[string]interface{}{"path": dir}},
	})
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, logrus.GetLevel())

	logrus.WithField("conn_id", "abc").Debug("hello from the test")
	require.Eventually(t, func() bool {
		b, err := os.ReadFile(filepath.Join(dir, logFileName))
		return err == nil && strings.Contains(string(b), "hello from the test")
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSetupHookLoggingStdIsIdempotent(t *testing.T) {
	resetLogging(t)
	hooks := []config.LogrusHook{{Type: "std", Level: "info"}, {Type: "std", Level: "info"}}
	require.NoError(t, SetupHookLogging(hooks))
	assert.Len(t, logrus.StandardLogger().Hooks[logrus.InfoLevel], 1)
	assert.Empty(t, logrus.StandardLogger().Hooks[logrus.DebugLevel])
}

func TestSetupHookLoggingErrors(t *testing.T) {
	resetLogging(t)
	tests := []struct {
		name string
		hook config.LogrusHook
	}{
		{name: "bad level", hook: config.LogrusHook{Type: "std", Level: "loud"}},
		{name: "bad type", hook: config.LogrusHook{Type: "syslog", Level: "info"}},
		{name: "file without path", hook: config.LogrusHook{Type: "file", Level: "info"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, SetupHookLogging([]config.LogrusHook{tt.hook}))
		})
	}
}
