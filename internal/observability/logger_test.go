package observability

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestInitLoggerTo_Level(t *testing.T) {
	defer InitLoggerTo(&bytes.Buffer{}, "info", false)

	tests := []struct {
		level    string
		expected zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"WARN", zerolog.WarnLevel},
		{" error ", zerolog.ErrorLevel},
		{"verbose", zerolog.InfoLevel},
		{"", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		InitLoggerTo(&bytes.Buffer{}, tt.level, false)
		if got := zerolog.GlobalLevel(); got != tt.expected {
			t.Errorf("InitLoggerTo(%q): expected level %s, got %s", tt.level, tt.expected, got)
		}
	}
}

func TestWithSession_Fields(t *testing.T) {
	var buf bytes.Buffer
	InitLoggerTo(&buf, "debug", false)
	defer InitLoggerTo(&bytes.Buffer{}, "info", false)

	logger := WithSession("abc")
	logger.Info().Int("frames", 3).Msg("Encoded")

	var entry map[string]interface{}
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("Expected one JSON line, got %q: %v", buf.String(), err)
	}
	if entry["session_id"] != "abc" {
		t.Errorf("Expected session_id abc, got %v", entry["session_id"])
	}
	if entry["component"] != "session" {
		t.Errorf("Expected component session, got %v", entry["component"])
	}
	if entry["frames"] != float64(3) {
		t.Errorf("Expected frames 3, got %v", entry["frames"])
	}
}

func TestWithSession_GeneratesID(t *testing.T) {
	var buf bytes.Buffer
	InitLoggerTo(&buf, "info", false)
	defer InitLoggerTo(&bytes.Buffer{}, "info", false)

	WithSession("").Info().Msg("Started")
	if !strings.Contains(buf.String(), `"session_id":"`) || strings.Contains(buf.String(), `"session_id":""`) {
		t.Errorf("Expected a generated session id, got %s", buf.String())
	}
	if NewSessionID() == NewSessionID() {
		t.Error("Expected distinct session ids")
	}
}

func TestForComponent_Filtered(t *testing.T) {
	var buf bytes.Buffer
	InitLoggerTo(&buf, "warn", false)
	defer InitLoggerTo(&bytes.Buffer{}, "info", false)

	logger := ForComponent("trainer")
	logger.Info().Msg("dropped")
	logger.Warn().Msg("kept")

	out := buf.String()
	if strings.Contains(out, "dropped") {
		t.Errorf("Expected info to be filtered at warn level, got %s", out)
	}
	if !strings.Contains(out, `"component":"trainer"`) || !strings.Contains(out, "kept") {
		t.Errorf("Expected the warning with its component, got %s", out)
	}
}
