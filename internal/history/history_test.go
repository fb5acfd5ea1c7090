package history

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type memSink struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (m *memSink) Send(_ context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return m.err
}

func TestMultiFansOut(t *testing.T) {
	a, b := &memSink{}, &memSink{err: errors.New("down")}
	m := Multi{a, nil, b}
	err := m.Send(context.Background(), Event{Type: EventLaunch, OccurredAt: time.Now(), Service: "api"})
	assert.ErrorContains(t, err, "down")
	assert.Len(t, a.events, 1)
	assert.Len(t, b.events, 1)

	assert.NoError(t, Multi{}.Send(context.Background(), Event{}))
}
