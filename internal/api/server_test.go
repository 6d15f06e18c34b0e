package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/versus-project/versus/internal/config"
	"github.com/versus-project/versus/internal/db"
	"github.com/versus-project/versus/internal/events"
	"github.com/versus-project/versus/internal/monitor"
	"github.com/versus-project/versus/internal/netplay"
)

type fixedStats netplay.Stats

func (f fixedStats) Stats() netplay.Stats { return netplay.Stats(f) }

func newTestServer(t *testing.T) (*Server, *config.Config, *events.EventBus) {
	t.Helper()
	cfg, err := config.Load(t.TempDir())
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	bus := events.NewEventBus()
	t.Cleanup(bus.Stop)
	return NewServer(cfg, bus, "1.2.3"), cfg, bus
}

func do(t *testing.T, h http.Handler, method, path, body, remote string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if remote != "" {
		req.RemoteAddr = remote
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
}

func TestPublicRoutes(t *testing.T) {
	s, _, _ := newTestServer(t)
	h := s.Handler()

	w := do(t, h, http.MethodGet, "/api/public/ping", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("ping status = %d", w.Code)
	}
	var ping map[string]string
	decode(t, w, &ping)
	if ping["status"] != "ok" || ping["version"] != "1.2.3" {
		t.Fatalf("ping = %v", ping)
	}
	if got := w.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Fatalf("X-Frame-Options = %q", got)
	}

	w = do(t, h, http.MethodGet, "/api/public/system", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("system status = %d", w.Code)
	}
	var sys map[string]json.RawMessage
	decode(t, w, &sys)
	if _, ok := sys["system"]; !ok {
		t.Fatalf("system info missing: %s", w.Body.String())
	}

	w = do(t, h, http.MethodGet, "/api/nothing", "", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown route status = %d", w.Code)
	}
}

func TestSessionRoute(t *testing.T) {
	s, _, _ := newTestServer(t)
	h := s.Handler()

	if w := do(t, h, http.MethodGet, "/api/session", "", ""); w.Code != http.StatusNotFound {
		t.Fatalf("no session: status = %d", w.Code)
	}

	s.SetSession(fixedStats{Role: events.RoleClient, State: events.SessionRunning, Resyncs: 4, LastTick: 120})
	w := do(t, h, http.MethodGet, "/api/session", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var got struct {
		Role     string `json:"role"`
		Resyncs  uint64 `json:"resyncs"`
		LastTick uint32 `json:"last_tick"`
	}
	decode(t, w, &got)
	if got.Role != "client" || got.Resyncs != 4 || got.LastTick != 120 {
		t.Fatalf("session = %+v", got)
	}

	s.SetSession(nil)
	if w := do(t, h, http.MethodGet, "/api/session", "", ""); w.Code != http.StatusNotFound {
		t.Fatalf("cleared session: status = %d", w.Code)
	}
}

func TestLatencyRoute(t *testing.T) {
	s, _, _ := newTestServer(t)

	if w := do(t, s.Handler(), http.MethodGet, "/api/latency", "", ""); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("without monitor: status = %d", w.Code)
	}

	lm := monitor.NewLatencyMonitor(nil, monitor.Thresholds{Warning: 100 * time.Millisecond, Critical: 250 * time.Millisecond})
	now := time.Now()
	for i, ms := range []int{10, 20, 30} {
		lm.Record(time.Duration(ms)*time.Millisecond, now.Add(time.Duration(i)*time.Second))
	}
	s.SetDependencies(lm, nil)

	w := do(t, s.Handler(), http.MethodGet, "/api/latency?history=2", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var got struct {
		Stats   monitor.LatencyStats `json:"stats"`
		History []monitor.Sample     `json:"history"`
	}
	decode(t, w, &got)
	if got.Stats.Samples != 3 {
		t.Fatalf("samples = %d", got.Stats.Samples)
	}
	if len(got.History) != 2 || got.History[1].RTT != 30*time.Millisecond {
		t.Fatalf("history = %+v", got.History)
	}

	if w := do(t, s.Handler(), http.MethodGet, "/api/latency?history=x", "", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("bad history: status = %d", w.Code)
	}
}

func TestMatchRoutes(t *testing.T) {
	s, _, _ := newTestServer(t)
	ml, err := db.NewMatchLog(filepath.Join(t.TempDir(), "matches.db"))
	if err != nil {
		t.Fatalf("NewMatchLog: %v", err)
	}
	defer ml.Close()
	s.SetDependencies(nil, ml)
	h := s.Handler()

	start := time.UnixMilli(1_700_000_000_000)
	first, _ := ml.BeginMatch(events.RoleServer, "10.0.0.2:5000", "tcp", start)
	second, _ := ml.BeginMatch(events.RoleServer, "10.0.0.3:5000", "websocket", start.Add(time.Minute))
	if err := ml.RecordAlert(second, events.AlertWarning, 120*time.Millisecond, 100*time.Millisecond, start.Add(time.Minute)); err != nil {
		t.Fatalf("RecordAlert: %v", err)
	}

	w := do(t, h, http.MethodGet, "/api/matches?limit=1", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var list struct {
		Matches []db.Match `json:"matches"`
		Total   int        `json:"total"`
	}
	decode(t, w, &list)
	if list.Total != 1 || list.Matches[0].ID != second {
		t.Fatalf("matches = %+v", list)
	}

	if w := do(t, h, http.MethodGet, "/api/matches?limit=0", "", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("limit=0: status = %d", w.Code)
	}

	w = do(t, h, http.MethodGet, "/api/matches/"+itoa(second), "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("match status = %d", w.Code)
	}
	var one struct {
		Match  db.Match   `json:"match"`
		Alerts []db.Alert `json:"alerts"`
	}
	decode(t, w, &one)
	if one.Match.Transport != "websocket" || len(one.Alerts) != 1 {
		t.Fatalf("match = %+v", one)
	}

	if w := do(t, h, http.MethodGet, "/api/matches/"+itoa(first+100), "", ""); w.Code != http.StatusNotFound {
		t.Fatalf("missing match: status = %d", w.Code)
	}
	if w := do(t, h, http.MethodGet, "/api/matches/abc", "", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("bad id: status = %d", w.Code)
	}
}

func TestConfigRoutes(t *testing.T) {
	s, cfg, bus := newTestServer(t)
	h := s.Handler()

	changed := make(chan events.ConfigChangedPayload, 1)
	bus.Subscribe(events.EventConfigChanged, "test", func(_ context.Context, e events.Event) error {
		changed <- e.Payload.(events.ConfigChangedPayload)
		return nil
	})

	w := do(t, h, http.MethodGet, "/api/config", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}

	body := `{"key":"snapshot_interval_ticks","value":15}`
	if w := do(t, h, http.MethodPost, "/api/config/netplay", body, "203.0.113.9:4000"); w.Code != http.StatusForbidden {
		t.Fatalf("remote update: status = %d", w.Code)
	}

	w = do(t, h, http.MethodPost, "/api/config/netplay", body, "127.0.0.1:4000")
	if w.Code != http.StatusOK {
		t.Fatalf("local update: status = %d body %s", w.Code, w.Body.String())
	}
	if got := cfg.GetNetplay().SnapshotIntervalTicks; got != 15 {
		t.Fatalf("snapshot interval = %d", got)
	}
	select {
	case p := <-changed:
		if p.Section != "netplay" || p.Key != "snapshot_interval_ticks" {
			t.Fatalf("payload = %+v", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no config_changed event")
	}

	reloaded, err := config.Load(filepath.Dir(cfg.Path()))
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.GetNetplay().SnapshotIntervalTicks != 15 {
		t.Fatalf("update not saved")
	}

	// Rejected values leave the config untouched.
	w = do(t, h, http.MethodPost, "/api/config/netplay", `{"key":"tick_rate","value":5000}`, "127.0.0.1:4000")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("invalid update: status = %d", w.Code)
	}
	if cfg.GetNetplay().TickRate != 60 {
		t.Fatalf("tick rate changed to %d", cfg.GetNetplay().TickRate)
	}

	w = do(t, h, http.MethodPost, "/api/config/netplay", `{"key":"nope","value":1}`, "127.0.0.1:4000")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("unknown key: status = %d", w.Code)
	}
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(1)
	now := time.Unix(1000, 0)
	rl.now = func() time.Time { return now }

	if !rl.Allow("a") || !rl.Allow("a") {
		t.Fatal("burst of 2 rejected")
	}
	if rl.Allow("a") {
		t.Fatal("third request allowed")
	}
	if !rl.Allow("b") {
		t.Fatal("buckets are not per client")
	}
	now = now.Add(time.Second)
	if !rl.Allow("a") {
		t.Fatal("bucket did not refill")
	}
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}
