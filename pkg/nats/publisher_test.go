package nats

import (
	"testing"
	"time"

	"ai-coach-context/pkg/events"

	"github.com/stretchr/testify/assert"
)

func TestSubject(t *testing.T) {
	tests := []struct {
		prefix string
		kind   string
		want   string
	}{
		{SubjectPrefix, events.TypeIndexFailed, "coach.index.failed"},
		{SubjectPrefix, events.TypeStoreDegraded, "coach.store.degraded"},
		{"staging", events.TypeIndexAbandoned, "staging.index.abandoned"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, Subject(tt.prefix, events.BaseEvent{Type: tt.kind}))
		})
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{URL: "nats://localhost:4222"}.withDefaults()

	assert.Equal(t, StreamName, cfg.Stream)
	assert.Equal(t, SubjectPrefix, cfg.SubjectPrefix)
	assert.Equal(t, 7*24*time.Hour, cfg.MaxAge)
	assert.Equal(t, 5, cfg.MaxReconnects)
	assert.Equal(t, 2*time.Second, cfg.ReconnectWait)

	custom := Config{Stream: "S", SubjectPrefix: "p", MaxReconnects: -1}.withDefaults()
	assert.Equal(t, "S", custom.Stream)
	assert.Equal(t, "p", custom.SubjectPrefix)
	assert.Equal(t, -1, custom.MaxReconnects)
}
