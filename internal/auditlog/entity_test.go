package auditlog

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEfficiencyPercent(t *testing.T) {
	tests := []struct {
		name      string
		estimated int
		actual    int
		want      int
	}{
		{"faster than estimated", 30, 20, 150},
		{"on estimate", 30, 30, 100},
		{"slower than estimated", 30, 90, 33},
		{"capped at 200", 100, 10, 200},
		{"zero actual", 30, 0, 0},
		{"zero estimate", 0, 30, 0},
		{"negative actual", 30, -5, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, EfficiencyPercent(tt.estimated, tt.actual))
		})
	}
}
