package channels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// accountState is the long-lived status record for one account. It
// outlives individual start/stop cycles so lastError and lastStopAt
// survive restarts.
type accountState struct {
	mu     sync.Mutex
	status AccountStatus
}

func (st *accountState) set(mutate func(*AccountStatus)) {
	st.mu.Lock()
	defer st.mu.Unlock()
	mutate(&st.status)
}

type accountRun[C, A any] struct {
	cancel context.CancelFunc
	done   chan struct{}
	actx   *AccountContext[C, A]
}

// Manager owns the account lifecycles of one channel plugin. Each
// account runs on its own goroutine.
type Manager[C, A any] struct {
	plugin Plugin[C, A]
	cfg    C

	mu     sync.Mutex
	states map[string]*accountState
	runs   map[string]*accountRun[C, A]
}

// Runtime is the non-generic face of a Manager, consumed by the status
// server and the gateway shutdown path.
type Runtime interface {
	ID() string
	StartAll(ctx context.Context) error
	StopAll(ctx context.Context) error
	Snapshot() map[string]AccountStatus
}

// NewManager wraps a plugin with per-account lifecycle management.
func NewManager[C, A any](plugin Plugin[C, A], cfg C) *Manager[C, A] {
	return &Manager[C, A]{
		plugin: plugin,
		cfg:    cfg,
		states: make(map[string]*accountState),
		runs:   make(map[string]*accountRun[C, A]),
	}
}

// ID returns the channel name of the wrapped plugin.
func (m *Manager[C, A]) ID() string { return m.plugin.ID() }

// state returns the persistent status record for an account, creating
// it on first touch. Caller holds m.mu.
func (m *Manager[C, A]) state(accountID string) *accountState {
	st, ok := m.states[accountID]
	if !ok {
		st = &accountState{}
		m.states[accountID] = st
	}
	return st
}

// StartAccount launches one account. A running account is left alone.
// Disabled or unconfigured accounts record the reason and stay stopped;
// that is not an error.
func (m *Manager[C, A]) StartAccount(ctx context.Context, accountID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, running := m.runs[accountID]; running {
		return nil
	}
	st := m.state(accountID)

	account, err := m.plugin.ResolveAccount(m.cfg, accountID)
	if err != nil {
		st.set(func(s *AccountStatus) {
			s.Running = false
			s.LastError = err.Error()
		})
		return fmt.Errorf("resolve %s account %q: %w", m.plugin.ID(), accountID, err)
	}
	if !m.plugin.IsEnabled(account, m.cfg) {
		st.set(func(s *AccountStatus) {
			s.Running = false
			s.LastError = "account disabled"
		})
		slog.Debug("channel account disabled", "channel", m.plugin.ID(), "account", accountID)
		return nil
	}
	if !m.plugin.IsConfigured(account, m.cfg) {
		st.set(func(s *AccountStatus) {
			s.Running = false
			s.LastError = "account not configured"
		})
		slog.Warn("channel account not configured", "channel", m.plugin.ID(), "account", accountID)
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	actx := &AccountContext[C, A]{
		AccountID: accountID,
		Account:   account,
		Config:    m.cfg,
		Ctx:       runCtx,
		mu:        &st.mu,
		status:    &st.status,
	}
	started := time.Now()
	st.set(func(s *AccountStatus) {
		s.Running = true
		s.LastError = ""
		s.LastStartAt = &started
	})

	run := &accountRun[C, A]{cancel: cancel, done: make(chan struct{}), actx: actx}
	m.runs[accountID] = run

	slog.Info("starting channel account", "channel", m.plugin.ID(), "account", accountID)

	go func() {
		defer close(run.done)
		err := m.plugin.StartAccount(actx)

		if err != nil && !errors.Is(err, context.Canceled) {
			st.set(func(s *AccountStatus) {
				s.Running = false
				s.LastError = err.Error()
			})
			slog.Error("channel account exited", "channel", m.plugin.ID(), "account", accountID, "error", err)
		} else {
			stopped := time.Now()
			st.set(func(s *AccountStatus) {
				s.Running = false
				s.LastStopAt = &stopped
			})
			slog.Info("channel account stopped", "channel", m.plugin.ID(), "account", accountID)
		}

		m.mu.Lock()
		delete(m.runs, accountID)
		m.mu.Unlock()
	}()

	return nil
}

// StopAccount cancels the account's context, invokes the plugin's stop
// hook when implemented, and waits for the account goroutine to exit.
func (m *Manager[C, A]) StopAccount(ctx context.Context, accountID string) error {
	m.mu.Lock()
	run, ok := m.runs[accountID]
	m.mu.Unlock()
	if !ok {
		return nil
	}

	run.cancel()
	if stopper, ok := m.plugin.(AccountStopper[C, A]); ok {
		if err := stopper.StopAccount(run.actx); err != nil {
			slog.Warn("channel account stop hook failed",
				"channel", m.plugin.ID(), "account", accountID, "error", err)
		}
	}

	select {
	case <-run.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StartAll starts every configured account concurrently.
func (m *Manager[C, A]) StartAll(ctx context.Context) error {
	var g errgroup.Group
	for _, id := range m.plugin.ListAccountIDs(m.cfg) {
		g.Go(func() error { return m.StartAccount(ctx, id) })
	}
	return g.Wait()
}

// StopAll stops every running account concurrently.
func (m *Manager[C, A]) StopAll(ctx context.Context) error {
	m.mu.Lock()
	ids := make([]string, 0, len(m.runs))
	for id := range m.runs {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var g errgroup.Group
	for _, id := range ids {
		g.Go(func() error { return m.StopAccount(ctx, id) })
	}
	return g.Wait()
}

// Snapshot returns the status of every account, merged over configured
// ids and ids the manager has seen at runtime.
func (m *Manager[C, A]) Snapshot() map[string]AccountStatus {
	m.mu.Lock()
	states := make(map[string]*accountState)
	for _, id := range m.plugin.ListAccountIDs(m.cfg) {
		states[id] = m.state(id)
	}
	for id, st := range m.states {
		states[id] = st
	}
	m.mu.Unlock()

	out := make(map[string]AccountStatus, len(states))
	for id, st := range states {
		st.mu.Lock()
		out[id] = st.status
		st.mu.Unlock()
	}
	return out
}
