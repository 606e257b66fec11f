package storage

import (
	"context"
	"sync"
)

// Memory is an in-memory Adaptor. It mirrors the hash/set primitives a
// real Redis-backed Adaptor offers and is used by the presence and sip
// test suites and local development; it is not meant for production use.
type Memory struct {
	mu    sync.Mutex
	hash  map[string]map[string]string
	set   map[string]map[string]struct{}
	hooks []func(ctx context.Context) error
}

// NewMemory constructs an empty Memory adaptor.
func NewMemory() *Memory {
	return &Memory{
		hash: make(map[string]map[string]string),
		set:  make(map[string]map[string]struct{}),
	}
}

func (m *Memory) OnReconnected(fn func(ctx context.Context) error) {
	m.mu.Lock()
	m.hooks = append(m.hooks, fn)
	m.mu.Unlock()
}

// SimulateReconnect runs every registered hook, as a real Adaptor would
// after re-establishing its connection. Tests use this to exercise the
// crash-recovery path (persisted timer reload) without a real storage
// backend dropping and regaining a connection.
func (m *Memory) SimulateReconnect(ctx context.Context) []error {
	m.mu.Lock()
	hooks := make([]func(context.Context) error, len(m.hooks))
	copy(hooks, m.hooks)
	m.mu.Unlock()

	var errs []error
	for _, fn := range hooks {
		if err := fn(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

func (m *Memory) HSet(_ context.Context, key, field, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.hash[key]
	if !ok {
		t = make(map[string]string)
		m.hash[key] = t
	}
	t[field] = value
	return nil
}

func (m *Memory) HGet(_ context.Context, key, field string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.hash[key]
	if !ok {
		return "", ErrMissingKey
	}
	v, ok := t[field]
	if !ok {
		return "", ErrMissingKey
	}
	return v, nil
}

func (m *Memory) HGetAll(_ context.Context, key string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.hash[key]
	if !ok || len(t) == 0 {
		return nil, ErrMissingKey
	}
	out := make(map[string]string, len(t))
	for k, v := range t {
		out[k] = v
	}
	return out, nil
}

func (m *Memory) HDel(_ context.Context, key, field string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.hash[key]
	if !ok {
		return ErrMissingKey
	}
	if _, ok := t[field]; !ok {
		return ErrMissingKey
	}
	delete(t, field)
	if len(t) == 0 {
		delete(m.hash, key)
	}
	return nil
}

func (m *Memory) SAdd(_ context.Context, key, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.set[key]
	if !ok {
		s = make(map[string]struct{})
		m.set[key] = s
	}
	s[member] = struct{}{}
	return nil
}

func (m *Memory) SRem(_ context.Context, key, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.set[key]
	if !ok {
		return nil
	}
	delete(s, member)
	if len(s) == 0 {
		delete(m.set, key)
	}
	return nil
}

func (m *Memory) SGetAll(_ context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.set[key]
	if !ok {
		return nil, nil
	}
	out := make([]string, 0, len(s))
	for v := range s {
		out = append(out, v)
	}
	return out, nil
}
