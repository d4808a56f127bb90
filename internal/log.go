// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package internal

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/MFAshby/stdemuxerhook"
	"github.com/matrix-org/dugong"
	"github.com/sirupsen/logrus"

	"github.com/element-hq/matrix-sse/setup/config"
)

// logFileName is the name of the rotated log file written by "file" hooks.
const logFileName = "matrix-sse.log"

type utcFormatter struct {
	logrus.Formatter
}

func (f utcFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	entry.Time = entry.Time.UTC()
	return f.Formatter.Format(entry)
}

// logLevelHook wraps another hook, passing on only entries at or above
// level.
type logLevelHook struct {
	level logrus.Level
	logrus.Hook
}

func (h *logLevelHook) Levels() []logrus.Level {
	levels := make([]logrus.Level, 0)
	for _, level := range logrus.AllLevels {
		if level <= h.level {
			levels = append(levels, level)
		}
	}
	return levels
}

// callerPrettyfier trims the module path from reported callers so that
// log lines carry "streamapi/stream/dispatcher.go:123" rather than a full
// path.
func callerPrettyfier(f *runtime.Frame) (string, string) {
	funcName := f.Function[strings.LastIndex(f.Function, ".")+1:] + "\t"
	file := f.File
	if i := strings.Index(file, "matrix-sse/"); i >= 0 {
		file = file[i+len("matrix-sse/"):]
	}
	return funcName, fmt.Sprintf("%s:%d", file, f.Line)
}

func newTextFormatter(colours bool) logrus.Formatter {
	return &utcFormatter{
		&logrus.TextFormatter{
			TimestampFormat:  "2006-01-02T15:04:05.000000000Z07:00",
			FullTimestamp:    true,
			DisableColors:    !colours,
			QuoteEmptyFields: true,
			CallerPrettyfier: callerPrettyfier,
		},
	}
}

// SetupStdLogging configures the standard logger before the config file
// has been read.
func SetupStdLogging() {
	logrus.SetReportCaller(true)
	logrus.SetFormatter(newTextFormatter(true))
}

var (
	stdLevelLogAdded = make(map[logrus.Level]bool)
	levelLogAddedMu  sync.Mutex
)

// SetupHookLogging installs the configured hooks. Once any are installed
// the standard logger's own output is discarded, so everything goes
// through the hooks.
func SetupHookLogging(hooks []config.LogrusHook) error {
	levelLogAddedMu.Lock()
	defer levelLogAddedMu.Unlock()

	logrus.SetLevel(logrus.PanicLevel)
	for _, hook := range hooks {
		level, err := logrus.ParseLevel(hook.Level)
		if err != nil {
			return fmt.Errorf("unrecognised logging level %q: %w", hook.Level, err)
		}
		// Lower the global level far enough for the most verbose hook.
		if level > logrus.GetLevel() {
			logrus.SetLevel(level)
		}

		switch hook.Type {
		case "file":
			if err := setupFileHook(hook, level); err != nil {
				return err
			}
		case "std":
			setupStdLogHook(level)
		default:
			return fmt.Errorf("unrecognised logging hook type %q", hook.Type)
		}
	}
	if len(hooks) == 0 {
		logrus.SetLevel(logrus.InfoLevel)
		setupStdLogHook(logrus.InfoLevel)
	}
	logrus.SetOutput(io.Discard)
	return nil
}

func setupStdLogHook(level logrus.Level) {
	if stdLevelLogAdded[level] {
		return
	}
	logrus.AddHook(&logLevelHook{level, stdemuxerhook.New(logrus.StandardLogger())})
	stdLevelLogAdded[level] = true
}

func setupFileHook(hook config.LogrusHook, level logrus.Level) error {
	dirPath, ok := hook.Params["path"].(string)
	if !ok || dirPath == "" {
		return fmt.Errorf("file log hook needs a \"path\" parameter")
	}
	fullPath := filepath.Join(dirPath, logFileName)
	if err := os.MkdirAll(filepath.Dir(fullPath), os.ModePerm); err != nil {
		return fmt.Errorf("couldn't create directory %s: %w", filepath.Dir(fullPath), err)
	}
	logrus.AddHook(&logLevelHook{
		level,
		dugong.NewFSHook(fullPath, newTextFormatter(false), &dugong.DailyRotationSchedule{GZip: true}),
	})
	return nil
}
