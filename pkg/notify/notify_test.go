package notify

import (
	"context"
	"errors"
	"testing"

	"ai-coach-context/pkg/events"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	events []events.Event
	err    error
}

func (r *recordingPublisher) Publish(_ context.Context, e events.Event) error {
	r.events = append(r.events, e)
	return r.err
}

type recordingNotifier struct {
	got []Notification
}

func (r *recordingNotifier) Notify(_ context.Context, n Notification) {
	r.got = append(r.got, n)
}

func TestBusNotifierPublishesEvent(t *testing.T) {
	pub := &recordingPublisher{}
	n := NewBusNotifier(pub, nil)

	n.Notify(context.Background(), Notification{
		Level:   LevelError,
		Kind:    events.TypeIndexFailed,
		Message: "Indexing failed",
		Path:    "journal/2024-01-01.md",
	})

	require.Len(t, pub.events, 1)
	e := pub.events[0]
	assert.Equal(t, events.TypeIndexFailed, e.EventType())
	payload := e.Payload()
	assert.Equal(t, "journal/2024-01-01.md", payload["path"])
	assert.Equal(t, "error", payload["level"])
	assert.NotEmpty(t, payload["id"])
	assert.NotEmpty(t, payload["occurred_at"])
}

func TestBusNotifierSwallowsPublishErrors(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("nats down")}
	n := NewBusNotifier(pub, nil)

	assert.NotPanics(t, func() {
		n.Notify(context.Background(), Notification{Kind: events.TypeIndexFailed})
	})
}

func TestMultiAndNop(t *testing.T) {
	a, b := &recordingNotifier{}, &recordingNotifier{}
	m := Multi{a, nil, Nop{}, b, NewLogNotifier(nil)}

	m.Notify(context.Background(), Notification{Message: "hi", Level: LevelWarning})

	assert.Len(t, a.got, 1)
	assert.Len(t, b.got, 1)
}
