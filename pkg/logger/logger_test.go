package logger

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    zapcore.Level
		wantErr bool
	}{
		{"debug", zapcore.DebugLevel, false},
		{"INFO", zapcore.InfoLevel, false},
		{"", zapcore.InfoLevel, false},
		{" warning ", zapcore.WarnLevel, false},
		{"error", zapcore.ErrorLevel, false},
		{"verbose", zapcore.InfoLevel, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestWithRequestFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	log := Wrap(zap.New(core))

	log.WithRequest("req-1", "user-1").Info("with user")
	log.WithRequest("req-2", "").Info("anonymous")

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(entries))
	}

	first := entries[0].ContextMap()
	if first["correlation_id"] != "req-1" || first["user_id"] != "user-1" {
		t.Errorf("Unexpected fields: %v", first)
	}

	second := entries[1].ContextMap()
	if _, ok := second["user_id"]; ok {
		t.Errorf("Expected no user_id for anonymous request, got %v", second)
	}
}

func TestNamedLogger(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	Wrap(zap.New(core)).Named("activity").Info("session started")

	if got := logs.All()[0].LoggerName; got != "activity" {
		t.Errorf("Expected logger name activity, got %q", got)
	}
}
