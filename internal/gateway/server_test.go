package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dexterhq/dexter/internal/bus"
	"github.com/dexterhq/dexter/internal/channels"
	"github.com/dexterhq/dexter/internal/config"
	"github.com/dexterhq/dexter/pkg/protocol"
)

type fakeSource struct {
	id   string
	snap map[string]channels.AccountStatus
}

func (f fakeSource) ID() string                                  { return f.id }
func (f fakeSource) Snapshot() map[string]channels.AccountStatus { return f.snap }

func TestStatusEndpoints(t *testing.T) {
	src := fakeSource{
		id:   "whatsapp",
		snap: map[string]channels.AccountStatus{"personal": {Running: true}},
	}
	s := NewServer(&config.Config{}, nil, src)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	addr, start := StartTestServer(s, ctx)
	go start()

	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/healthz status %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), `"status":"ok"`) {
		t.Errorf("/healthz body %q", body)
	}

	resp, err = http.Get("http://" + addr + "/status")
	if err != nil {
		t.Fatalf("GET /status: %v", err)
	}
	defer resp.Body.Close()
	var got struct {
		Status   string                                       `json:"status"`
		Channels map[string]map[string]channels.AccountStatus `json:"channels"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode /status: %v", err)
	}
	if got.Status != "ok" {
		t.Errorf("status %q, want %q", got.Status, "ok")
	}
	if !got.Channels["whatsapp"]["personal"].Running {
		t.Errorf("channel snapshot missing running account: %+v", got.Channels)
	}
}

func TestWebSocketFeed(t *testing.T) {
	cfg := &config.Config{}
	cfg.Gateway.HeartbeatSeconds = 1
	pub := bus.New()
	s := NewServer(cfg, pub, fakeSource{id: "telegram", snap: map[string]channels.AccountStatus{}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	addr, start := StartTestServer(s, ctx)
	go start()

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// The first heartbeat proves the client is registered.
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ev protocol.Event
	for ev.Type != protocol.EventHeartbeat {
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("read heartbeat: %v", err)
		}
	}
	payload, ok := ev.Payload.(map[string]interface{})
	if !ok {
		t.Fatalf("heartbeat payload %T", ev.Payload)
	}
	if _, ok := payload["channels"]; !ok {
		t.Errorf("heartbeat payload missing channels: %v", payload)
	}

	pub.Broadcast(bus.Event{Name: protocol.EventAgent, Payload: map[string]string{"runId": "r1"}})
	for ev.Type != protocol.EventAgent {
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("read agent event: %v", err)
		}
	}
	if ev.Timestamp == 0 {
		t.Error("event frame missing timestamp")
	}
}

func TestCheckOrigin(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		want    bool
	}{
		{"no config allows all", nil, "https://evil.example", true},
		{"empty origin allowed", []string{"https://ops.example"}, "", true},
		{"match allowed", []string{"https://ops.example"}, "https://ops.example", true},
		{"wildcard allowed", []string{"*"}, "https://anywhere.example", true},
		{"mismatch rejected", []string{"https://ops.example"}, "https://evil.example", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &config.Config{}
			cfg.Gateway.AllowedOrigins = tt.allowed
			s := NewServer(cfg, nil)
			r := httptest.NewRequest(http.MethodGet, "/ws", nil)
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			if got := s.checkOrigin(r); got != tt.want {
				t.Errorf("checkOrigin(%q) = %v, want %v", tt.origin, got, tt.want)
			}
		})
	}
}
