// Package messagetest provides an in-memory JetStream double for tests that
// exercise message.MessageService without a running NATS server.
package messagetest

import (
	"strings"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/wehubfusion/Daedalus/pkg/message"
)

// MockJS is a lightweight in-memory implementation of message.JSContext.
// Published messages land in the queue of the stream whose subjects match;
// a pull subscription bound to a durable consumer drains that stream.
// Delivered messages carry no reply subject, so acknowledgments are no-ops.
type MockJS struct {
	mu        sync.Mutex
	streams   map[string]*nats.StreamInfo
	queues    map[string][]*nats.Msg
	consumers map[string]map[string]*nats.ConsumerInfo // stream -> consumer -> info
	published []*nats.Msg

	// PublishErr, when set, is returned by every Publish call.
	PublishErr error

	failErr  error
	failures int
}

// NewMockJS returns an empty mock.
func NewMockJS() *MockJS {
	return &MockJS{
		streams:   make(map[string]*nats.StreamInfo),
		queues:    make(map[string][]*nats.Msg),
		consumers: make(map[string]map[string]*nats.ConsumerInfo),
	}
}

var _ message.JSContext = (*MockJS)(nil)

// FailNextPublishes makes the next n Publish calls fail with err.
func (m *MockJS) FailNextPublishes(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = n
	m.failErr = err
}

// Published returns a copy of every message published on subject, in order.
// An empty subject returns all of them.
func (m *MockJS) Published(subject string) []*nats.Msg {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*nats.Msg
	for _, msg := range m.published {
		if subject == "" || msg.Subject == subject {
			out = append(out, msg)
		}
	}
	return out
}

// Inject queues raw data on subject as if a peer had published it.
func (m *MockJS) Inject(subject string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enqueue(&nats.Msg{Subject: subject, Data: data})
}

func (m *MockJS) enqueue(msg *nats.Msg) bool {
	for name, info := range m.streams {
		for _, pattern := range info.Config.Subjects {
			if SubjectMatches(pattern, msg.Subject) {
				m.queues[name] = append(m.queues[name], msg)
				info.State.Msgs++
				return true
			}
		}
	}
	return false
}

func (m *MockJS) Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PublishErr != nil {
		return nil, m.PublishErr
	}
	if m.failures > 0 {
		m.failures--
		return nil, m.failErr
	}
	msg := &nats.Msg{Subject: subj, Data: append([]byte(nil), data...)}
	if !m.enqueue(msg) {
		return nil, nats.ErrNoStreamResponse
	}
	m.published = append(m.published, msg)
	return &nats.PubAck{Stream: "MOCK", Sequence: uint64(len(m.published))}, nil
}

func (m *MockJS) PullSubscribe(subj, durable string, opts ...nats.SubOpt) (message.JSSubscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for stream, consumers := range m.consumers {
		if _, ok := consumers[durable]; ok {
			return &mockPullSubscription{owner: m, stream: stream}, nil
		}
	}
	return nil, nats.ErrConsumerNotFound
}

func (m *MockJS) StreamInfo(stream string) (*nats.StreamInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if info, exists := m.streams[stream]; exists {
		return info, nil
	}
	return nil, nats.ErrStreamNotFound
}

func (m *MockJS) AddStream(cfg *nats.StreamConfig) (*nats.StreamInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info := &nats.StreamInfo{
		Config: *cfg,
		State:  nats.StreamState{FirstSeq: 1},
	}
	m.streams[cfg.Name] = info
	return info, nil
}

func (m *MockJS) ConsumerInfo(stream, consumer string) (*nats.ConsumerInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if streamConsumers, exists := m.consumers[stream]; exists {
		if info, exists := streamConsumers[consumer]; exists {
			return info, nil
		}
	}
	return nil, nats.ErrConsumerNotFound
}

func (m *MockJS) AddConsumer(stream string, cfg *nats.ConsumerConfig) (*nats.ConsumerInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.streams[stream]; !ok {
		return nil, nats.ErrStreamNotFound
	}
	if m.consumers[stream] == nil {
		m.consumers[stream] = make(map[string]*nats.ConsumerInfo)
	}
	info := &nats.ConsumerInfo{
		Stream: stream,
		Name:   cfg.Durable,
		Config: *cfg,
	}
	m.consumers[stream][cfg.Durable] = info
	return info, nil
}

type mockPullSubscription struct {
	owner  *MockJS
	stream string
}

func (s *mockPullSubscription) Unsubscribe() error         { return nil }
func (s *mockPullSubscription) Drain() error               { return nil }
func (s *mockPullSubscription) IsValid() bool              { return true }
func (s *mockPullSubscription) Pending() (int, int, error) { return 0, 0, nil }

func (s *mockPullSubscription) Fetch(batch int, opts ...nats.PullOpt) ([]*nats.Msg, error) {
	s.owner.mu.Lock()
	defer s.owner.mu.Unlock()
	if batch <= 0 {
		batch = 10
	}
	queue := s.owner.queues[s.stream]
	n := batch
	if n > len(queue) {
		n = len(queue)
	}
	msgs := make([]*nats.Msg, n)
	copy(msgs, queue[:n])
	s.owner.queues[s.stream] = queue[n:]
	return msgs, nil
}

// SubjectMatches reports whether subject matches a JetStream subject pattern
// using the "*" (one token) and ">" (one or more trailing tokens) wildcards.
func SubjectMatches(pattern, subject string) bool {
	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")
	for i, tok := range pt {
		if tok == ">" {
			return len(st) > i
		}
		if i >= len(st) {
			return false
		}
		if tok != "*" && tok != st[i] {
			return false
		}
	}
	return len(pt) == len(st)
}
