package logging

import (
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestConfigure(t *testing.T) {
	defer configure("error", "text")

	tests := []struct {
		level  string
		format string
		want   log.Level
		json   bool
	}{
		{"debug", "text", log.DebugLevel, false},
		{" INFO ", "json", log.InfoLevel, true},
		{"warning", "", log.WarnLevel, false},
		{"verbose", "", log.ErrorLevel, false},
		{"", "JSON", log.ErrorLevel, true},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			configure(tt.level, tt.format)
			assert.Equal(t, tt.want, log.GetLevel())
			_, isJSON := log.StandardLogger().Formatter.(*log.JSONFormatter)
			assert.Equal(t, tt.json, isJSON)
		})
	}
}

func TestRequestFields(t *testing.T) {
	fields := RequestFields("storage", "r1", "disk", "cafe")
	assert.Equal(t, log.Fields{"kind": "storage", "request": "r1", "storage": "disk", "checksum": "cafe"}, fields)
}
