// Copyright (C) 2025 agentic-sre contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package logger

import (
	"bytes"
	"log"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewLogger(t *testing.T) {
	logger := NewLogger("info", "test")

	assert.NotNil(t, logger)
	assert.Equal(t, INFO, logger.level)
	assert.Equal(t, "test", logger.prefix)
	assert.NotNil(t, logger.logger)
}

func TestInit(t *testing.T) {
	original := Global

	Init("debug")

	assert.NotNil(t, Global)
	assert.Equal(t, DEBUG, Global.level)
	assert.Empty(t, Global.prefix)

	Global = original
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected LogLevel
	}{
		{"debug", DEBUG},
		{"DEBUG", DEBUG},
		{"info", INFO},
		{"warn", WARN},
		{"warning", WARN},
		{"error", ERROR},
		{"unknown", INFO}, // default
		{"", INFO},        // default
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, parseLogLevel(tt.input))
		})
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := &Logger{
		level:  WARN,
		logger: log.New(&buf, "", 0),
	}

	l.Debug("hidden %s", "debug")
	l.Info("hidden info")
	l.Warn("shown warn")
	l.Error("shown error")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "shown warn")
	assert.Contains(t, out, "shown error")
}

func TestWithPrefix(t *testing.T) {
	var buf bytes.Buffer
	l := &Logger{
		level:  INFO,
		logger: log.New(&buf, "", 0),
	}

	l.WithPrefix("engine").Info("lock acquired")

	assert.Contains(t, buf.String(), "[engine] lock acquired")
}

func TestOutputHasNoEscapeCodes(t *testing.T) {
	var buf bytes.Buffer
	l := &Logger{
		level:  DEBUG,
		logger: log.New(&buf, "", 0),
	}

	l.Debug("tool=check_oom ok=true")
	l.Warn("lock busy fingerprint=fp-1")
	l.Error("db unreachable")

	out := buf.String()
	assert.NotContains(t, out, "\033[", "log lines must be plain text")
	assert.Contains(t, out, "[DEBUG] tool=check_oom ok=true")
	assert.Contains(t, out, "[WARN] lock busy fingerprint=fp-1")
	assert.Contains(t, out, "[ERROR] db unreachable")
}

func TestSetLevel(t *testing.T) {
	l := NewLogger("info", "")
	l.SetLevel("error")
	assert.Equal(t, ERROR, l.level)
}

func TestGlobalFallback(t *testing.T) {
	original := Global
	Global = nil
	defer func() { Global = original }()

	// Must not panic without an initialized global logger
	Debug("debug %d", 1)
	Info("info")
	Warn("warn")
	Error("error")

	got := GetLogger()
	assert.NotNil(t, got)
}
