package compute

import (
	"context"
	"fmt"
	"sync"
)

// Mock is a scripted provider for tests: answers are returned in order,
// and every request is recorded.
type Mock struct {
	mu       sync.Mutex
	answers  []string
	err      error
	requests []Request
}

// NewMock builds a mock that replays answers in order, repeating the last
// one once exhausted.
func NewMock(answers ...string) *Mock {
	return &Mock{answers: answers}
}

// Fail makes every subsequent Complete call return err.
func (m *Mock) Fail(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

func (m *Mock) Name() string { return "mock" }

func (m *Mock) Complete(ctx context.Context, req Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	if m.err != nil {
		return "", m.err
	}
	if len(m.answers) == 0 {
		return "", fmt.Errorf("mock: no scripted answer")
	}
	answer := m.answers[0]
	if len(m.answers) > 1 {
		m.answers = m.answers[1:]
	}
	return answer, nil
}

// Requests returns a copy of every request seen so far.
func (m *Mock) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Request(nil), m.requests...)
}
