package gateway

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dexterhq/dexter/internal/access"
	"github.com/dexterhq/dexter/internal/agent"
	"github.com/dexterhq/dexter/internal/bus"
	"github.com/dexterhq/dexter/internal/config"
	"github.com/dexterhq/dexter/internal/sessions"
)

type fakeRunner struct {
	mu     sync.Mutex
	answer string
	err    error
	calls  []agent.RunRequest
}

func (f *fakeRunner) Run(_ context.Context, req agent.RunRequest) (*agent.RunResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &agent.RunResult{Status: agent.StatusCompleted, Answer: f.answer}, nil
}

func (f *fakeRunner) requests() []agent.RunRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]agent.RunRequest(nil), f.calls...)
}

func telegramConfig(dmPolicy string) *config.Config {
	cfg := &config.Config{}
	cfg.Channels.Telegram = config.TelegramConfig{Enabled: true, BotToken: "t", DMPolicy: dmPolicy}
	return cfg
}

func tgMessage(body, chat, key string) bus.InboundMessage {
	return bus.InboundMessage{
		Channel:          "telegram",
		AccountID:        "default",
		From:             "4242|alice",
		Body:             body,
		ReplyToJid:       chat,
		MessageKey:       key,
		MessageTimestamp: time.Now(),
	}
}

func newTestOrchestrator(t *testing.T, cfg *config.Config) (*Orchestrator, *bus.MessageBus, *fakeRunner) {
	t.Helper()
	b := bus.New()
	meta := sessions.NewMetaStore(t.TempDir())
	fr := &fakeRunner{}
	o := NewOrchestrator(cfg, b, access.NewGatekeeper(nil), meta, nil, agent.LoopConfig{})
	o.newRunner = func(string) turnRunner { return fr }
	return o, b, fr
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}

func waitOutbound(t *testing.T, b *bus.MessageBus) bus.OutboundMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	msg, ok := b.ConsumeOutbound(ctx)
	if !ok {
		t.Fatal("timed out waiting for outbound message")
	}
	return msg
}

func expectNoOutbound(t *testing.T, b *bus.MessageBus) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	if msg, ok := b.ConsumeOutbound(ctx); ok {
		t.Fatalf("unexpected outbound message %q", msg.Body)
	}
}

func TestHandleInboundRunsTurnAndReplies(t *testing.T) {
	o, b, fr := newTestOrchestrator(t, telegramConfig("open"))
	fr.answer = "The answer is 42."

	o.HandleInbound(testContext(t), tgMessage("what is the answer?", "4242", "tg:4242:1"))

	out := waitOutbound(t, b)
	if out.Channel != "telegram" || out.AccountID != "default" {
		t.Errorf("outbound routed to %s/%s", out.Channel, out.AccountID)
	}
	if out.To != "4242" {
		t.Errorf("outbound to %q, want %q", out.To, "4242")
	}
	if want := "[dexter] The answer is 42."; out.Body != want {
		t.Errorf("outbound body %q, want %q", out.Body, want)
	}

	reqs := fr.requests()
	if len(reqs) != 1 {
		t.Fatalf("runner called %d times, want 1", len(reqs))
	}
	if reqs[0].Query != "what is the answer?" {
		t.Errorf("runner query %q", reqs[0].Query)
	}
	if want := "agent:dexter:telegram:default:direct:4242"; reqs[0].SessionKey != want {
		t.Errorf("session key %q, want %q", reqs[0].SessionKey, want)
	}

	meta, ok, err := o.meta.Load("dexter")
	if err != nil || !ok {
		t.Fatalf("session meta not written: ok=%v err=%v", ok, err)
	}
	if meta.LastChannel != "telegram" || meta.LastTo != "4242" {
		t.Errorf("meta = %s/%s, want telegram/4242", meta.LastChannel, meta.LastTo)
	}
}

func TestHandleInboundGroupSessionKey(t *testing.T) {
	cfg := telegramConfig("open")
	cfg.Channels.Telegram.GroupPolicy = "open"
	o, b, fr := newTestOrchestrator(t, cfg)
	fr.answer = "ok"

	msg := tgMessage("hi", "-100999", "tg:-100999:1")
	msg.Group = true
	o.HandleInbound(testContext(t), msg)

	waitOutbound(t, b)
	reqs := fr.requests()
	if len(reqs) != 1 {
		t.Fatalf("runner called %d times, want 1", len(reqs))
	}
	if want := "agent:dexter:telegram:default:group:-100999"; reqs[0].SessionKey != want {
		t.Errorf("session key %q, want %q", reqs[0].SessionKey, want)
	}
}

func TestHandleInboundDeniedSilently(t *testing.T) {
	o, b, fr := newTestOrchestrator(t, telegramConfig("disabled"))
	fr.answer = "should never go out"

	o.HandleInbound(testContext(t), tgMessage("hello?", "4242", "tg:4242:1"))

	expectNoOutbound(t, b)
	if n := len(fr.requests()); n != 0 {
		t.Errorf("runner called %d times on denied message", n)
	}
}

func TestHandleInboundDedupesByMessageKey(t *testing.T) {
	o, b, fr := newTestOrchestrator(t, telegramConfig("open"))
	fr.answer = "once"

	ctx := testContext(t)
	o.HandleInbound(ctx, tgMessage("first delivery", "4242", "tg:4242:7"))
	o.HandleInbound(ctx, tgMessage("redelivered", "4242", "tg:4242:7"))

	waitOutbound(t, b)
	expectNoOutbound(t, b)
	if n := len(fr.requests()); n != 1 {
		t.Errorf("runner called %d times, want 1", n)
	}
}

func TestHandleInboundVerifiesDestination(t *testing.T) {
	cfg := telegramConfig("open")
	cfg.Channels.Telegram.AllowFrom = []string{"+15551234567"}
	o, b, fr := newTestOrchestrator(t, cfg)
	fr.answer = "leaked"

	// Open DM policy admits the sender, but the reply destination is not
	// allowlisted, so the turn must not start.
	msg := tgMessage("hi", "4242", "tg:4242:1")
	msg.From = "4242|bob"
	o.HandleInbound(testContext(t), msg)

	expectNoOutbound(t, b)
	if n := len(fr.requests()); n != 0 {
		t.Errorf("runner called %d times, want 0", n)
	}
}

func TestRunTurnErrorStaysOffTransport(t *testing.T) {
	o, b, fr := newTestOrchestrator(t, telegramConfig("open"))
	fr.err = errors.New("llm unavailable")

	o.HandleInbound(testContext(t), tgMessage("hi", "4242", "tg:4242:1"))

	expectNoOutbound(t, b)
	if n := len(fr.requests()); n != 1 {
		t.Errorf("runner called %d times, want 1", n)
	}
}

func TestEmptyAnswerSendsNothing(t *testing.T) {
	o, b, fr := newTestOrchestrator(t, telegramConfig("open"))
	fr.answer = "   \n"

	o.HandleInbound(testContext(t), tgMessage("hi", "4242", "tg:4242:1"))

	expectNoOutbound(t, b)
	if n := len(fr.requests()); n != 1 {
		t.Errorf("runner called %d times, want 1", n)
	}
}

type blockingRunner struct {
	started chan string
	release chan struct{}
}

func (r *blockingRunner) Run(ctx context.Context, req agent.RunRequest) (*agent.RunResult, error) {
	r.started <- req.Query
	select {
	case <-r.release:
	case <-ctx.Done():
	}
	return &agent.RunResult{Status: agent.StatusCompleted, Answer: ""}, nil
}

func TestTurnsSerializedPerSession(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, telegramConfig("open"))
	br := &blockingRunner{started: make(chan string), release: make(chan struct{})}
	o.newRunner = func(string) turnRunner { return br }

	ctx := testContext(t)
	o.HandleInbound(ctx, tgMessage("a1", "100", "tg:100:1"))
	o.HandleInbound(ctx, tgMessage("a2", "100", "tg:100:2"))
	o.HandleInbound(ctx, tgMessage("b1", "200", "tg:200:1"))

	// Both sessions start a turn; a2 waits behind a1.
	running := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case q := <-br.started:
			running[q] = true
		case <-time.After(3 * time.Second):
			t.Fatal("expected two concurrent turns")
		}
	}
	if !running["a1"] || !running["b1"] {
		t.Fatalf("started turns %v, want a1 and b1", running)
	}

	select {
	case q := <-br.started:
		t.Fatalf("turn %q started while its session was busy", q)
	case <-time.After(100 * time.Millisecond):
	}

	br.release <- struct{}{}
	br.release <- struct{}{}

	select {
	case q := <-br.started:
		if q != "a2" {
			t.Fatalf("next turn %q, want a2", q)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("queued turn never started")
	}
	br.release <- struct{}{}
}

func TestPairingReplySent(t *testing.T) {
	store, err := access.NewPairingStore(filepath.Join(t.TempDir(), "pairing.json"))
	if err != nil {
		t.Fatalf("NewPairingStore: %v", err)
	}
	cfg := telegramConfig("pairing")
	b := bus.New()
	fr := &fakeRunner{answer: "secret"}
	o := NewOrchestrator(cfg, b, access.NewGatekeeper(store), sessions.NewMetaStore(t.TempDir()), nil, agent.LoopConfig{})
	o.newRunner = func(string) turnRunner { return fr }

	o.HandleInbound(testContext(t), tgMessage("let me in", "4242", "tg:4242:1"))

	out := waitOutbound(t, b)
	if out.To != "4242" {
		t.Errorf("pairing reply sent to %q, want %q", out.To, "4242")
	}
	if !strings.Contains(out.Body, "Pairing code: ") {
		t.Errorf("pairing reply missing code: %q", out.Body)
	}
	if n := len(fr.requests()); n != 0 {
		t.Errorf("runner called %d times for unpaired sender", n)
	}
}

type typerStub struct {
	mu    sync.Mutex
	calls []string
}

func (s *typerStub) Typing(_ context.Context, accountID, to string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, accountID+"/"+to)
	return nil
}

func (s *typerStub) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func TestTypingIndicatorDuringTurn(t *testing.T) {
	o, b, fr := newTestOrchestrator(t, telegramConfig("open"))
	fr.answer = "done"
	stub := &typerStub{}
	o.RegisterChannel("telegram", stub)

	o.HandleInbound(testContext(t), tgMessage("hi", "4242", "tg:4242:1"))
	waitOutbound(t, b)

	deadline := time.Now().Add(2 * time.Second)
	for stub.count() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("typing indicator never sent")
		}
		time.Sleep(10 * time.Millisecond)
	}
	stub.mu.Lock()
	defer stub.mu.Unlock()
	if stub.calls[0] != "default/4242" {
		t.Errorf("typing sent to %q, want %q", stub.calls[0], "default/4242")
	}
}

type readerStub struct {
	mu    sync.Mutex
	calls []string
}

func (s *readerStub) MarkRead(accountID, chatID, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, accountID+"/"+chatID+"/"+messageID)
	return nil
}

func TestMarkReadOnAllowedMessage(t *testing.T) {
	cfg := &config.Config{}
	cfg.Channels.WhatsApp = config.WhatsAppConfig{
		Accounts: map[string]config.WhatsAppAccount{"personal": {DMPolicy: "open"}},
	}
	o, _, fr := newTestOrchestrator(t, cfg)
	fr.answer = ""
	stub := &readerStub{}
	o.RegisterChannel("whatsapp", stub)

	o.HandleInbound(testContext(t), bus.InboundMessage{
		Channel:          "whatsapp",
		AccountID:        "personal",
		From:             "15559990000@s.whatsapp.net",
		ReplyToJid:       "15559990000@s.whatsapp.net",
		MessageKey:       "ABC123",
		MessageTimestamp: time.Now(),
	})

	stub.mu.Lock()
	defer stub.mu.Unlock()
	if len(stub.calls) != 1 {
		t.Fatalf("MarkRead called %d times, want 1", len(stub.calls))
	}
	if want := "personal/15559990000@s.whatsapp.net/ABC123"; stub.calls[0] != want {
		t.Errorf("MarkRead %q, want %q", stub.calls[0], want)
	}
}

func TestMarkReadSkippedWhenDisabled(t *testing.T) {
	off := false
	cfg := &config.Config{}
	cfg.Channels.WhatsApp = config.WhatsAppConfig{
		Accounts: map[string]config.WhatsAppAccount{"personal": {DMPolicy: "open", SendReadReceipts: &off}},
	}
	o, _, _ := newTestOrchestrator(t, cfg)
	stub := &readerStub{}
	o.RegisterChannel("whatsapp", stub)

	o.HandleInbound(testContext(t), bus.InboundMessage{
		Channel:          "whatsapp",
		AccountID:        "personal",
		From:             "15559990000@s.whatsapp.net",
		ReplyToJid:       "15559990000@s.whatsapp.net",
		MessageKey:       "ABC123",
		MessageTimestamp: time.Now(),
	})

	stub.mu.Lock()
	defer stub.mu.Unlock()
	if len(stub.calls) != 0 {
		t.Errorf("MarkRead called with read receipts disabled")
	}
}

func TestSendVerifiesDestination(t *testing.T) {
	cfg := telegramConfig("open")
	cfg.Channels.Telegram.AllowFrom = []string{"+15551234567"}
	o, b, _ := newTestOrchestrator(t, cfg)

	if err := o.Send("telegram", "default", "+1 (555) 123-4567", false, "scheduled digest"); err != nil {
		t.Fatalf("Send to allowlisted destination: %v", err)
	}
	out := waitOutbound(t, b)
	if out.Body != "scheduled digest" {
		t.Errorf("outbound body %q", out.Body)
	}

	err := o.Send("telegram", "default", "4242", false, "x")
	if err == nil || !strings.Contains(err.Error(), "not in allowFrom") {
		t.Errorf("Send to stranger = %v, want not in allowFrom error", err)
	}

	if err := o.Send("teams", "default", "4242", false, "x"); err == nil {
		t.Error("Send to unknown channel succeeded")
	}

	err = o.Send("telegram", "default", "-100999", true, "x")
	if err == nil || !strings.Contains(err.Error(), "not in allowFrom") {
		t.Errorf("group send with blocked group policy = %v, want not in allowFrom error", err)
	}
}

func TestReplyPrefixConfigurable(t *testing.T) {
	cfg := telegramConfig("open")
	cfg.Gateway.ReplyPrefix = "[research-bot] "
	o, b, _ := newTestOrchestrator(t, cfg)

	if err := o.Reply(tgMessage("q", "4242", "k"), "hello"); err != nil {
		t.Fatalf("Reply: %v", err)
	}
	out := waitOutbound(t, b)
	if want := "[research-bot] hello"; out.Body != want {
		t.Errorf("reply body %q, want %q", out.Body, want)
	}
}

func TestEnqueueTurnDeliversAnswer(t *testing.T) {
	o, _, fr := newTestOrchestrator(t, telegramConfig("open"))
	fr.answer = "Rates held steady."

	got := make(chan string, 1)
	err := o.EnqueueTurn(testContext(t), "agent:dexter:main", "fed update", func(answer string) {
		got <- answer
	})
	if err != nil {
		t.Fatalf("EnqueueTurn: %v", err)
	}

	select {
	case answer := <-got:
		if answer != "Rates held steady." {
			t.Errorf("answer %q", answer)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("finish never ran")
	}

	reqs := fr.requests()
	if len(reqs) != 1 || reqs[0].SessionKey != "agent:dexter:main" || reqs[0].Query != "fed update" {
		t.Errorf("runner requests %+v", reqs)
	}
}

func TestEnqueueTurnFinishRunsOnFailure(t *testing.T) {
	o, b, fr := newTestOrchestrator(t, telegramConfig("open"))
	fr.err = errors.New("provider down")

	got := make(chan string, 1)
	if err := o.EnqueueTurn(testContext(t), "agent:dexter:main", "q", func(answer string) {
		got <- answer
	}); err != nil {
		t.Fatalf("EnqueueTurn: %v", err)
	}

	select {
	case answer := <-got:
		if answer != "" {
			t.Errorf("answer %q, want empty on failure", answer)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("finish never ran")
	}
	expectNoOutbound(t, b)
}

func TestEnqueueTurnQueueFull(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, telegramConfig("open"))
	br := &blockingRunner{started: make(chan string, 1), release: make(chan struct{})}
	o.newRunner = func(string) turnRunner { return br }

	ctx := testContext(t)
	if err := o.EnqueueTurn(ctx, "agent:dexter:main", "q0", nil); err != nil {
		t.Fatalf("EnqueueTurn: %v", err)
	}
	// The first turn is now off the mailbox and blocked in the runner.
	<-br.started
	for i := 0; i < sessionQueueSize; i++ {
		if err := o.EnqueueTurn(ctx, "agent:dexter:main", "q", nil); err != nil {
			t.Fatalf("EnqueueTurn %d: %v", i, err)
		}
	}

	err := o.EnqueueTurn(ctx, "agent:dexter:main", "overflow", nil)
	if err == nil || !strings.Contains(err.Error(), "queue full") {
		t.Errorf("EnqueueTurn on full queue = %v, want queue full error", err)
	}
	close(br.release)
}
