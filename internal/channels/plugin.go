// Package channels hosts the multi-account channel runtime. A channel
// adapter (whatsapp, telegram, discord) implements Plugin; the Manager
// owns account lifecycles, status bookkeeping, and reconnect policy.
package channels

import (
	"context"
	"sync"
	"time"
)

// Plugin is implemented once per transport. C is the channel section of
// the config, A is a single resolved account. Adapters with a single
// implicit account return one id from ListAccountIDs.
type Plugin[C, A any] interface {
	// ID is the canonical channel name ("whatsapp", "telegram", "discord").
	ID() string

	// ListAccountIDs returns every account id present in the config,
	// including disabled ones.
	ListAccountIDs(cfg C) []string

	// ResolveAccount loads one account's settings from the config.
	ResolveAccount(cfg C, accountID string) (A, error)

	// IsEnabled reports whether the account should be started at all.
	IsEnabled(account A, cfg C) bool

	// IsConfigured reports whether the account has the settings it
	// needs to run (token present, bridge URL set).
	IsConfigured(account A, cfg C) bool

	// StartAccount runs the account until its context is canceled or a
	// fatal error occurs. Blocking; the Manager calls it on its own
	// goroutine.
	StartAccount(ctx *AccountContext[C, A]) error
}

// AccountStopper is an optional extension for plugins that need an
// explicit teardown beyond context cancellation (closing a gateway
// session, releasing a polling lock).
type AccountStopper[C, A any] interface {
	StopAccount(ctx *AccountContext[C, A]) error
}

// AccountStatus is the runtime state of one account, as reported by the
// status endpoint.
type AccountStatus struct {
	Running     bool       `json:"running"`
	LastError   string     `json:"lastError,omitempty"`
	LastStartAt *time.Time `json:"lastStartAt,omitempty"`
	LastStopAt  *time.Time `json:"lastStopAt,omitempty"`
}

// AccountContext is handed to StartAccount. Ctx is canceled when the
// Manager stops the account; Status and SetStatus give the adapter a
// window into the shared status record (connected timestamps, transient
// errors) without racing the Manager.
type AccountContext[C, A any] struct {
	AccountID string
	Account   A
	Config    C
	Ctx       context.Context

	mu     *sync.Mutex
	status *AccountStatus
}

// NewAccountContext builds a standalone account context. The Manager
// wires its own; this constructor serves plugin tests and direct use of
// a plugin without lifecycle management.
func NewAccountContext[C, A any](ctx context.Context, accountID string, account A, cfg C) *AccountContext[C, A] {
	return &AccountContext[C, A]{
		AccountID: accountID,
		Account:   account,
		Config:    cfg,
		Ctx:       ctx,
		mu:        &sync.Mutex{},
		status:    &AccountStatus{},
	}
}

// Status returns a copy of the current account status.
func (c *AccountContext[C, A]) Status() AccountStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return *c.status
}

// SetStatus applies a mutation to the account status under the
// Manager's lock.
func (c *AccountContext[C, A]) SetStatus(mutate func(*AccountStatus)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	mutate(c.status)
}
