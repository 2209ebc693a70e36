/*
Copyright 2016-2021 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package ambient carries the logging, CLI, and error-formatting
// conventions shared by every Portcullis component: structured logrus
// logging keyed by component, gravitational/trace error wrapping, and a
// kingpin-based CLI harness.
package ambient

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"testing"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"
)

// LoggingPurpose selects the output target for InitLogger.
type LoggingPurpose int

const (
	LoggingForDaemon LoggingPurpose = iota
	LoggingForCLI
)

// InitLogger configures the global logrus logger for a given purpose and
// verbosity level, following the daemon/CLI split teleport uses.
func InitLogger(purpose LoggingPurpose, level logrus.Level) {
	logrus.StandardLogger().ReplaceHooks(make(logrus.LevelHooks))
	logrus.SetLevel(level)
	switch purpose {
	case LoggingForCLI:
		if level == logrus.DebugLevel {
			logrus.SetFormatter(NewDefaultTextFormatter(trace.IsTerminal(os.Stderr)))
			logrus.SetOutput(os.Stderr)
		} else {
			logrus.SetOutput(io.Discard)
		}
	case LoggingForDaemon:
		logrus.SetFormatter(NewDefaultTextFormatter(trace.IsTerminal(os.Stderr)))
		logrus.SetOutput(os.Stderr)
	}
}

// InitLoggerForTests initializes the standard logger for use from _test.go
// files, matching the verbosity the `go test -v` flag requests.
func InitLoggerForTests() {
	flag.Parse()

	logger := logrus.StandardLogger()
	logger.ReplaceHooks(make(logrus.LevelHooks))
	logger.SetFormatter(NewDefaultTextFormatter(false))
	logger.SetLevel(logrus.DebugLevel)
	logger.SetOutput(os.Stderr)
	if testing.Verbose() {
		return
	}
	logger.SetLevel(logrus.WarnLevel)
	logger.SetOutput(io.Discard)
}

// Component returns a logrus entry tagged with the given component name,
// the way lib/srv packages do via logrus.WithField(trace.Component, ...).
func Component(name string) *logrus.Entry {
	return logrus.WithField(trace.Component, name)
}

// FatalError strips gravitational/trace debug information from err, prints
// a clean message to stderr, and exits the process with status 1.
func FatalError(err error) {
	fmt.Fprintln(os.Stderr, UserMessageFromError(err))
	os.Exit(1)
}

// UserMessageFromError renders a user-facing message for err. At debug
// level the full trace report (with stack frames) is shown instead.
func UserMessageFromError(err error) string {
	if err == nil {
		return ""
	}
	if logrus.GetLevel() == logrus.DebugLevel {
		return trace.DebugReport(err)
	}
	var buf bytes.Buffer
	fmt.Fprint(&buf, Color(Red, "ERROR: "))
	formatErrorWriter(err, &buf)
	return buf.String()
}

func formatErrorWriter(err error, w io.Writer) {
	if err == nil {
		return
	}
	if traceErr, ok := err.(*trace.TraceErr); ok {
		for _, message := range traceErr.Messages {
			fmt.Fprintln(w, EscapeControl(message))
		}
		fmt.Fprintln(w, EscapeControl(trace.Unwrap(traceErr).Error()))
		return
	}
	fmt.Fprintln(w, EscapeControl(err.Error()))
}

const (
	Bold = 1
	Red  = 31
	// Yellow colors warning-level log lines (see levelColor).
	Yellow = 33
	Blue   = 36
	Gray   = 37
)

// Color wraps v in a terminal escape sequence for the given color code.
func Color(color int, v interface{}) string {
	return fmt.Sprintf("\x1b[%dm%v\x1b[0m", color, v)
}

// EscapeControl escapes non-printable characters so a malicious backend
// cannot hide or spoof output in the gateway's own CLI or banners.
func EscapeControl(s string) string {
	if needsQuoting(s) {
		return fmt.Sprintf("%q", s)
	}
	return s
}

func needsQuoting(text string) bool {
	for _, r := range text {
		if !strconv.IsPrint(r) {
			return true
		}
	}
	return false
}

// SplitIdentifiers splits a list of identifiers separated by commas, spaces
// or newlines, used to parse multi-valued CLI flags (ssh logins, labels).
func SplitIdentifiers(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == '\n' || r == ' ' || r == '\t'
	})
}
