package schedule

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dexterhq/dexter/internal/config"
)

type enqueueCall struct {
	sessionKey string
	query      string
	finish     func(string)
}

type announceCall struct {
	channel   string
	accountID string
	to        string
	group     bool
	answer    string
}

type fakeGateway struct {
	mu         sync.Mutex
	enqueueErr error
	enqueues   []enqueueCall
	announces  []announceCall
}

func (f *fakeGateway) EnqueueTurn(_ context.Context, sessionKey, query string, finish func(string)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.enqueueErr != nil {
		return f.enqueueErr
	}
	f.enqueues = append(f.enqueues, enqueueCall{sessionKey, query, finish})
	return nil
}

func (f *fakeGateway) Announce(channel, accountID, to string, group bool, answer string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.announces = append(f.announces, announceCall{channel, accountID, to, group, answer})
	return nil
}

func (f *fakeGateway) enqueued() []enqueueCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]enqueueCall(nil), f.enqueues...)
}

func (f *fakeGateway) announced() []announceCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]announceCall(nil), f.announces...)
}

func scheduleConfig(scheds ...config.Schedule) *config.Config {
	cfg := &config.Config{}
	cfg.Schedules = scheds
	return cfg
}

func newTestRunner(cfg *config.Config, at time.Time) (*Runner, *fakeGateway) {
	fg := &fakeGateway{}
	r := NewRunner(cfg, fg)
	r.now = func() time.Time { return at }
	return r, fg
}

func TestTickFiresDueSchedule(t *testing.T) {
	cfg := scheduleConfig(config.Schedule{
		ID:      "morning-brief",
		Cron:    "* * * * *",
		Query:   "summarize overnight market moves",
		Channel: "telegram",
		To:      "4242",
	})
	r, fg := newTestRunner(cfg, time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC))

	r.tick(context.Background())

	calls := fg.enqueued()
	if len(calls) != 1 {
		t.Fatalf("enqueued %d turns, want 1", len(calls))
	}
	if calls[0].sessionKey != "agent:dexter:main" {
		t.Errorf("session key %q, want agent:dexter:main", calls[0].sessionKey)
	}
	if calls[0].query != "summarize overnight market moves" {
		t.Errorf("query %q", calls[0].query)
	}

	calls[0].finish("Nikkei up 1.2%, futures flat.")

	got := fg.announced()
	if len(got) != 1 {
		t.Fatalf("announced %d messages, want 1", len(got))
	}
	want := announceCall{channel: "telegram", accountID: "default", to: "4242", answer: "Nikkei up 1.2%, futures flat."}
	if got[0] != want {
		t.Errorf("announce = %+v, want %+v", got[0], want)
	}
}

func TestTickSkipsWhenNotDue(t *testing.T) {
	cfg := scheduleConfig(config.Schedule{ID: "daily", Cron: "0 9 * * *", Query: "q"})

	r, fg := newTestRunner(cfg, time.Date(2025, 3, 10, 10, 30, 0, 0, time.UTC))
	r.tick(context.Background())
	if n := len(fg.enqueued()); n != 0 {
		t.Fatalf("enqueued %d turns at 10:30, want 0", n)
	}

	r.now = func() time.Time { return time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC) }
	r.tick(context.Background())
	if n := len(fg.enqueued()); n != 1 {
		t.Fatalf("enqueued %d turns at 09:00, want 1", n)
	}
}

func TestNoOverlappingRuns(t *testing.T) {
	cfg := scheduleConfig(config.Schedule{ID: "fast", Cron: "* * * * *", Query: "q"})
	r, fg := newTestRunner(cfg, time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC))

	r.tick(context.Background())
	r.tick(context.Background())
	if n := len(fg.enqueued()); n != 1 {
		t.Fatalf("enqueued %d turns while first still running, want 1", n)
	}

	fg.enqueued()[0].finish("done")
	r.tick(context.Background())
	if n := len(fg.enqueued()); n != 2 {
		t.Fatalf("enqueued %d turns after release, want 2", n)
	}
}

func TestInvalidCronSkipped(t *testing.T) {
	cfg := scheduleConfig(config.Schedule{ID: "bad", Cron: "every monday", Query: "q"})
	r, fg := newTestRunner(cfg, time.Now())

	r.tick(context.Background())
	r.tick(context.Background())
	if n := len(fg.enqueued()); n != 0 {
		t.Fatalf("enqueued %d turns for invalid cron, want 0", n)
	}
}

func TestScheduleMissingIDSkipped(t *testing.T) {
	cfg := scheduleConfig(config.Schedule{Cron: "* * * * *", Query: "q"})
	r, fg := newTestRunner(cfg, time.Now())

	r.tick(context.Background())
	if n := len(fg.enqueued()); n != 0 {
		t.Fatalf("enqueued %d turns without an id, want 0", n)
	}
}

func TestUnboundScheduleLogsOnly(t *testing.T) {
	cfg := scheduleConfig(config.Schedule{ID: "journal", Cron: "* * * * *", Query: "q"})
	r, fg := newTestRunner(cfg, time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC))

	r.tick(context.Background())
	fg.enqueued()[0].finish("private note")
	if n := len(fg.announced()); n != 0 {
		t.Fatalf("announced %d messages for unbound schedule, want 0", n)
	}
}

func TestEmptyAnswerNotDelivered(t *testing.T) {
	cfg := scheduleConfig(config.Schedule{
		ID: "digest", Cron: "* * * * *", Query: "q", Channel: "telegram", To: "4242",
	})
	r, fg := newTestRunner(cfg, time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC))

	r.tick(context.Background())
	fg.enqueued()[0].finish("")
	if n := len(fg.announced()); n != 0 {
		t.Fatalf("announced %d messages for empty answer, want 0", n)
	}
}

func TestEnqueueFailureReleasesClaim(t *testing.T) {
	cfg := scheduleConfig(config.Schedule{ID: "digest", Cron: "* * * * *", Query: "q"})
	r, fg := newTestRunner(cfg, time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC))
	fg.enqueueErr = errors.New("queue full")

	r.tick(context.Background())

	fg.mu.Lock()
	fg.enqueueErr = nil
	fg.mu.Unlock()

	r.tick(context.Background())
	if n := len(fg.enqueued()); n != 1 {
		t.Fatalf("enqueued %d turns after failed enqueue, want 1", n)
	}
}

func TestScheduleKeepsConfiguredAccount(t *testing.T) {
	cfg := scheduleConfig(config.Schedule{
		ID: "wa-digest", Cron: "* * * * *", Query: "q",
		Channel: "whatsapp", AccountID: "personal", To: "15551234567@s.whatsapp.net",
	})
	r, fg := newTestRunner(cfg, time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC))

	r.tick(context.Background())
	fg.enqueued()[0].finish("Filing summary ready.")

	got := fg.announced()
	if len(got) != 1 || got[0].accountID != "personal" {
		t.Fatalf("announce = %+v, want accountID personal", got)
	}
}

func TestMainSessionUsesConfiguredAgent(t *testing.T) {
	cfg := scheduleConfig(config.Schedule{ID: "d", Cron: "* * * * *", Query: "q"})
	cfg.Agents.Defaults.ID = "analyst"
	r, fg := newTestRunner(cfg, time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC))

	r.tick(context.Background())
	calls := fg.enqueued()
	if len(calls) != 1 || calls[0].sessionKey != "agent:analyst:main" {
		t.Fatalf("enqueued %+v, want session agent:analyst:main", calls)
	}
}
