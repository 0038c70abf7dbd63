package mqtt

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseTopic(t *testing.T) {
	tests := []struct {
		topic      string
		wantDevice string
		wantKind   string
		wantOK     bool
	}{
		{"smartlamp/20250114-alice-x7k2m9/status", "20250114-alice-x7k2m9", "status", true},
		{"smartlamp/20250114-alice-x7k2m9/heartbeat", "20250114-alice-x7k2m9", "heartbeat", true},
		{"smartlamp/20250114-alice-x7k2m9/request", "20250114-alice-x7k2m9", "request", true},
		{"smartlamp/20250114-alice-x7k2m9/completed", "20250114-alice-x7k2m9", "completed", true},
		// Outbound kinds must never be consumed.
		{"smartlamp/20250114-alice-x7k2m9/tasks", "", "", false},
		{"smartlamp/20250114-alice-x7k2m9/commands", "", "", false},
		{"otherprefix/20250114-alice-x7k2m9/status", "", "", false},
		{"smartlamp/status", "", "", false},
		{"smartlamp/a/b/status", "", "", false},
		{"", "", "", false},
	}
	for _, tt := range tests {
		deviceID, kind, ok := parseTopic(tt.topic)
		assert.Equal(t, tt.wantOK, ok, "topic %q", tt.topic)
		assert.Equal(t, tt.wantDevice, deviceID, "topic %q", tt.topic)
		assert.Equal(t, tt.wantKind, kind, "topic %q", tt.topic)
	}
}
