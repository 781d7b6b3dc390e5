package oracle

import (
	"context"
	"sync"
)

// MockOracle is a test double for Client that returns scripted replies
// instead of shelling out. Tests queue raw reply text (including malformed
// text, to exercise parse failures), inspect the prompts received, and can
// hold a call in flight to exercise arbitration serialization.
type MockOracle struct {
	mu sync.RWMutex

	// Reply queue consumed in order by Decide. An entry with a non-nil
	// err is returned as a transport failure.
	queue []mockReply

	// Prompts received, in call order.
	calls []string

	// Gate for in-flight tests. While held, Decide blocks after recording
	// the call until Release (or ctx cancellation).
	gate chan struct{}

	// OnDecide is invoked with each prompt before any blocking or reply.
	OnDecide func(prompt string)
}

type mockReply struct {
	raw string
	err error
}

// NewMockOracle creates a mock with an empty reply queue.
func NewMockOracle() *MockOracle {
	return &MockOracle{}
}

// QueueReply queues raw reply text for the next Decide call.
func (m *MockOracle) QueueReply(raw string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, mockReply{raw: raw})
}

// QueueError queues a transport failure for the next Decide call.
func (m *MockOracle) QueueError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, mockReply{err: err})
}

// Hold makes subsequent Decide calls block until Release. Used to keep an
// arbitration in flight while a test delivers more events.
func (m *MockOracle) Hold() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gate = make(chan struct{})
}

// Release unblocks all held Decide calls.
func (m *MockOracle) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gate != nil {
		close(m.gate)
		m.gate = nil
	}
}

// Decide implements Client.
func (m *MockOracle) Decide(ctx context.Context, prompt string) (string, error) {
	m.mu.Lock()
	m.calls = append(m.calls, prompt)
	onDecide := m.OnDecide
	gate := m.gate
	var reply mockReply
	if len(m.queue) > 0 {
		reply = m.queue[0]
		m.queue = m.queue[1:]
	} else {
		// Nothing scripted: escalate, which never touches the process.
		reply = mockReply{raw: `{"action": "escalate", "reasoning": "mock oracle has no reply queued"}`}
	}
	m.mu.Unlock()

	if onDecide != nil {
		onDecide(prompt)
	}

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	if reply.err != nil {
		return "", reply.err
	}
	return reply.raw, nil
}

// Calls returns a copy of the prompts received so far.
func (m *MockOracle) Calls() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many times Decide has been invoked.
func (m *MockOracle) CallCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.calls)
}

// Ensure MockOracle implements Client at compile time.
var _ Client = (*MockOracle)(nil)
