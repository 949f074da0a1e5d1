// Parley - Reliable Event Delivery for Chat
// Copyright 2026 Parley Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/parley-chat/parley

package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Level != "info" {
		t.Errorf("default level = %q, want info", cfg.Level)
	}
	if cfg.Format != "json" {
		t.Errorf("default format = %q, want json", cfg.Format)
	}
	if cfg.Caller {
		t.Error("caller should default to off")
	}
	if !cfg.Timestamp {
		t.Error("timestamp should default to on")
	}
}

func TestInit(t *testing.T) {
	var buf bytes.Buffer

	Init(Config{
		Level:     "debug",
		Format:    "json",
		Timestamp: true,
		Output:    &buf,
	})

	Info().Str("component", "outbox").Msg("processor started")

	output := buf.String()
	if !strings.Contains(output, "processor started") {
		t.Errorf("output missing message: %s", output)
	}
	if !strings.Contains(output, `"level":"info"`) {
		t.Errorf("output missing level: %s", output)
	}
	if !strings.Contains(output, `"component":"outbox"`) {
		t.Errorf("output missing field: %s", output)
	}
}

func TestParseLevel(t *testing.T) {
	checks := []struct {
		input string
		want  zerolog.Level
	}{
		{"trace", zerolog.TraceLevel},
		{"debug", zerolog.DebugLevel},
		{"info", zerolog.InfoLevel},
		{"warn", zerolog.WarnLevel},
		{"warning", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"disabled", zerolog.Disabled},
		{"INFO", zerolog.InfoLevel},
		{"invalid", zerolog.InfoLevel},
		{"", zerolog.InfoLevel},
	}

	for _, check := range checks {
		if got := parseLevel(check.input); got != check.want {
			t.Errorf("parseLevel(%q) = %v, want %v", check.input, got, check.want)
		}
	}
}

func TestLogLevels(t *testing.T) {
	var buf bytes.Buffer

	SetLogger(zerolog.New(&buf).With().Timestamp().Logger())
	zerolog.SetGlobalLevel(zerolog.TraceLevel)

	checks := []struct {
		name    string
		logFunc func()
		level   string
	}{
		{"Debug", func() { Debug().Msg("debug msg") }, "debug"},
		{"Info", func() { Info().Msg("info msg") }, "info"},
		{"Warn", func() { Warn().Msg("warn msg") }, "warn"},
		{"Error", func() { Error().Msg("error msg") }, "error"},
	}

	for _, check := range checks {
		buf.Reset()
		check.logFunc()
		if !strings.Contains(buf.String(), check.level) {
			t.Errorf("%s: expected level %q in output: %s", check.name, check.level, buf.String())
		}
	}
}

func TestWith(t *testing.T) {
	var buf bytes.Buffer

	SetLogger(zerolog.New(&buf).With().Timestamp().Logger())

	child := With().Str("replica", "a").Logger()
	child.Info().Msg("child message")

	output := buf.String()
	if !strings.Contains(output, `"replica":"a"`) {
		t.Errorf("child logger lost its field: %s", output)
	}
}

func TestConsoleFormat(t *testing.T) {
	var buf bytes.Buffer

	Init(Config{Level: "info", Format: "console", Output: &buf})
	Info().Msg("console message")

	output := buf.String()
	if !strings.Contains(output, "console message") {
		t.Errorf("console output missing message: %s", output)
	}
	if strings.Contains(output, `"level"`) {
		t.Errorf("console output should not be JSON: %s", output)
	}
}
