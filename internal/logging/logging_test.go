package logging

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestSetupLevels(t *testing.T) {
	tests := []struct {
		env       string
		wantDebug bool
	}{
		{"development", true},
		{"production", false},
	}
	for _, tt := range tests {
		t.Run(tt.env, func(t *testing.T) {
			var buf bytes.Buffer
			logger := SetupWithWriter(tt.env, &buf)
			logger.Debug().Msg("debug line")
			if got := buf.Len() > 0; got != tt.wantDebug {
				t.Fatalf("debug emitted = %v, want %v", got, tt.wantDebug)
			}
		})
	}
}

func TestSetupWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := SetupWithWriter("production", &buf)
	logger.Info().Str("component", "booking").Msg("committed")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if line["component"] != "booking" || line["message"] != "committed" {
		t.Fatalf("unexpected line %v", line)
	}
}
