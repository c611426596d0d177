package sink

import (
	"errors"
	"slices"
	"sync"
)

var errAnnouncerClosed = errors.New("announcer closed")

// MockAnnouncer keeps announcements in memory. Set AnnounceErr to simulate
// an unreachable broker.
type MockAnnouncer struct {
	mu          sync.Mutex
	Messages    []MockMessage
	AnnounceErr error
	Closed      bool
}

type MockMessage struct {
	Topic string
	Key   string
	Value []byte
}

func (m *MockAnnouncer) Announce(topic, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case m.Closed:
		return errAnnouncerClosed
	case m.AnnounceErr != nil:
		return m.AnnounceErr
	}
	m.Messages = append(m.Messages, MockMessage{Topic: topic, Key: key, Value: value})
	return nil
}

func (m *MockAnnouncer) Close() error {
	m.mu.Lock()
	m.Closed = true
	m.mu.Unlock()
	return nil
}

// Snapshot copies the messages announced so far, optionally only those of
// the given topics
func (m *MockAnnouncer) Snapshot(topics ...string) []MockMessage {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]MockMessage, 0, len(m.Messages))
	for _, msg := range m.Messages {
		if len(topics) == 0 || slices.Contains(topics, msg.Topic) {
			out = append(out, msg)
		}
	}
	return out
}

func (m *MockAnnouncer) Reset() {
	m.mu.Lock()
	m.Messages = m.Messages[:0]
	m.mu.Unlock()
}
