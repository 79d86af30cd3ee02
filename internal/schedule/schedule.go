// Package schedule runs recurring research queries on a cron cadence.
// Each due schedule is injected as an agent turn on the default agent's
// main session; answers are delivered to the schedule's channel
// recipient through the gateway, or logged when the schedule has none.
package schedule

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/dexterhq/dexter/internal/channels"
	"github.com/dexterhq/dexter/internal/config"
	"github.com/dexterhq/dexter/internal/sessions"
)

const tickInterval = time.Minute

// Gateway is the slice of the orchestrator the scheduler drives: one
// queued agent turn per due schedule, and verified channel delivery.
type Gateway interface {
	EnqueueTurn(ctx context.Context, sessionKey, query string, finish func(answer string)) error
	Announce(channel, accountID, to string, group bool, answer string) error
}

// Runner fires due schedules once a minute. At most one run per
// schedule id is in flight; a schedule still running when its next
// tick comes due skips that tick.
type Runner struct {
	cfg  *config.Config
	gw   Gateway
	gron *gronx.Gronx

	mu      sync.Mutex
	running map[string]bool
	warned  map[string]bool

	now func() time.Time
}

func NewRunner(cfg *config.Config, gw Gateway) *Runner {
	return &Runner{
		cfg:     cfg,
		gw:      gw,
		gron:    gronx.New(),
		running: make(map[string]bool),
		warned:  make(map[string]bool),
		now:     time.Now,
	}
}

// Run ticks once a minute until ctx ends. Schedules are re-read from
// the live config each tick, so edits apply without a restart.
func (r *Runner) Run(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

// tick fires every schedule due at the current minute.
func (r *Runner) tick(ctx context.Context) {
	now := r.now()
	cfg := r.cfg.Snapshot()
	for _, sched := range cfg.Schedules {
		r.fire(ctx, &cfg, sched, now)
	}
}

func (r *Runner) fire(ctx context.Context, cfg *config.Config, sched config.Schedule, now time.Time) {
	if sched.ID == "" || sched.Query == "" {
		r.warnOnce("invalid:"+sched.ID+sched.Query, "schedule missing id or query, skipped", "id", sched.ID)
		return
	}
	due, err := r.gron.IsDue(sched.Cron, now)
	if err != nil {
		r.warnOnce("cron:"+sched.ID, "schedule has invalid cron expression, skipped",
			"id", sched.ID, "cron", sched.Cron, "error", err)
		return
	}
	if !due {
		return
	}
	if !r.claim(sched.ID) {
		slog.Warn("schedule still running, skipping this tick", "id", sched.ID)
		return
	}
	slog.Info("schedule due", "id", sched.ID, "cron", sched.Cron)

	key := sessions.BuildMainSessionKey(cfg.DefaultAgentID())
	finish := func(answer string) {
		defer r.release(sched.ID)
		r.deliver(sched, answer)
	}
	if err := r.gw.EnqueueTurn(ctx, key, sched.Query, finish); err != nil {
		r.release(sched.ID)
		slog.Warn("schedule enqueue failed", "id", sched.ID, "error", err)
	}
}

// deliver sends the answer to the schedule's destination, or logs it
// when the schedule has none.
func (r *Runner) deliver(sched config.Schedule, answer string) {
	if answer == "" {
		slog.Warn("scheduled query produced no answer", "id", sched.ID)
		return
	}
	if sched.Channel == "" || sched.To == "" {
		slog.Info("scheduled query completed", "id", sched.ID, "answer", channels.Truncate(answer, 120))
		return
	}
	accountID := sched.AccountID
	if accountID == "" {
		// Telegram and discord run a single account named "default".
		accountID = "default"
	}
	if err := r.gw.Announce(sched.Channel, accountID, sched.To, false, answer); err != nil {
		slog.Warn("scheduled delivery failed",
			"id", sched.ID, "channel", sched.Channel, "to", sched.To, "error", err)
		return
	}
	slog.Info("scheduled answer delivered", "id", sched.ID, "channel", sched.Channel, "to", sched.To)
}

func (r *Runner) claim(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running[id] {
		return false
	}
	r.running[id] = true
	return true
}

func (r *Runner) release(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.running, id)
}

// warnOnce logs once per key so a bad config entry does not spam the
// log every minute.
func (r *Runner) warnOnce(key, msg string, args ...interface{}) {
	r.mu.Lock()
	seen := r.warned[key]
	r.warned[key] = true
	r.mu.Unlock()
	if !seen {
		slog.Warn(msg, args...)
	}
}
