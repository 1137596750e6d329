package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/verbatim/internal/learning"
	"github.com/MrWong99/verbatim/internal/learning/memstore"
	"github.com/MrWong99/verbatim/internal/session"
	"github.com/MrWong99/verbatim/internal/transcript"
	sttmock "github.com/MrWong99/verbatim/pkg/provider/stt/mock"
	"github.com/MrWong99/verbatim/pkg/types"
)

type fixture struct {
	mem     *learning.Memory
	manager *session.Manager
	stt     *sttmock.Provider
	http    *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := learning.New(memstore.New())
	provider := &sttmock.Provider{Session: sttmock.NewSession()}
	manager := session.NewManager(
		transcript.New(transcript.WithRules(mem)),
		session.WithRedialer(session.NewRedialer(provider, session.RedialerConfig{Backoff: time.Millisecond})),
	)
	srv := httptest.NewServer(New(manager, mem, WithMetricsHandler(http.NotFoundHandler())).Handler())
	t.Cleanup(func() {
		srv.Close()
		_ = manager.CloseAll()
	})
	return &fixture{mem: mem, manager: manager, stt: provider, http: srv}
}

func (f *fixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(f.http.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

func sendJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, conn, v); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// readUntil reads messages until one of type typ arrives and returns it,
// along with the types of every message skipped on the way.
func readUntil(t *testing.T, conn *websocket.Conn, typ string) (map[string]any, []string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var skipped []string
	for {
		var msg map[string]any
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			t.Fatalf("waiting for %q (skipped %v): %v", typ, skipped, err)
		}
		if msg["type"] == typ {
			return msg, skipped
		}
		skipped = append(skipped, msg["type"].(string))
	}
}

func TestWS_TranscriptCommandRunsPipeline(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	conn := f.dial(t)

	sendJSON(t, conn, map[string]any{"command": "transcript", "text": "this is a umbrella", "duration_ms": 120})

	var stages []float64
	for len(stages) < 5 {
		msg, _ := readUntil(t, conn, "stage")
		stages = append(stages, msg["stage"].(float64))
	}
	for i, s := range stages {
		if s != float64(i+1) {
			t.Fatalf("stage order = %v, want 1..5", stages)
		}
	}

	full, _ := readUntil(t, conn, "fullSentence")
	if full["text"] != "This is an umbrella." {
		t.Errorf("fullSentence = %q", full["text"])
	}
	done, _ := readUntil(t, conn, "recording_complete")
	if done["learned"] != false {
		t.Errorf("learned = %v, want false", done["learned"])
	}
	if _, ok := done["latency_ms"].(float64); !ok {
		t.Errorf("latency_ms missing: %v", done)
	}

	sendJSON(t, conn, map[string]any{"command": "get_history", "limit": 5})
	hist, _ := readUntil(t, conn, "history")
	items := hist["items"].([]any)
	if len(items) != 1 || items[0].(map[string]any)["final"] != "This is an umbrella." {
		t.Errorf("history = %v", items)
	}
}

func TestWS_ControlCommands(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	conn := f.dial(t)

	sendJSON(t, conn, map[string]any{"command": "start_recording"})
	readUntil(t, conn, "recording_started")

	sendJSON(t, conn, map[string]any{"command": "set_tone", "mode": "formal"})
	msg, _ := readUntil(t, conn, "tone_changed")
	if msg["mode"] != "formal" {
		t.Errorf("tone_changed mode = %v", msg["mode"])
	}

	sendJSON(t, conn, map[string]any{"command": "stop_recording"})
	readUntil(t, conn, "recording_stopped")

	sendJSON(t, conn, map[string]any{"command": "approve", "original": "a", "output": "A."})
	msg, _ = readUntil(t, conn, "feedback_recorded")
	if msg["accuracy"] != 1.0 {
		t.Errorf("accuracy after approve = %v, want 1", msg["accuracy"])
	}
	sendJSON(t, conn, map[string]any{"command": "reject", "original": "b", "output": "B."})
	msg, _ = readUntil(t, conn, "feedback_recorded")
	if msg["accuracy"] != 0.5 {
		t.Errorf("accuracy after reject = %v, want 0.5", msg["accuracy"])
	}

	sendJSON(t, conn, map[string]any{
		"command": "feedback", "original": "i gotta go", "system_output": "I gotta go.",
		"user_correction": "i must go", "tone_mode": "formal",
	})
	readUntil(t, conn, "feedback_recorded")

	sendJSON(t, conn, map[string]any{"command": "auto_improve", "original": "I gotta go", "wrong_output": "I gotta go."})
	msg, _ = readUntil(t, conn, "auto_improved")
	if msg["improved"] != "I must go" || msg["changed"] != true {
		t.Errorf("auto_improved = %v", msg)
	}

	sendJSON(t, conn, map[string]any{"command": "get_stats"})
	msg, _ = readUntil(t, conn, "stats")
	stats := msg["stats"].(map[string]any)
	if stats["total_corrections"] != 2.0 || stats["approved"] != 1.0 || stats["rejected"] != 1.0 {
		t.Errorf("stats = %v", stats)
	}

	rules, err := f.mem.ActiveRules(context.Background(), types.ToneFormal, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(rules) != 1 || rules[0].From != "gotta" || rules[0].To != "must" {
		t.Errorf("active rules = %+v, want gotta->must", rules)
	}
}

func TestWS_MalformedCommandsKeepConnection(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	conn := f.dial(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte("{not json")); err != nil {
		t.Fatal(err)
	}
	msg, _ := readUntil(t, conn, "error")
	if msg["message"] != "malformed control message" {
		t.Errorf("error message = %v", msg["message"])
	}

	for _, cmd := range []map[string]any{
		{"command": "dance"},
		{"command": "set_tone", "mode": "sarcastic"},
		{"command": "approve", "original": "x", "output": "y", "tone_mode": "loud"},
		{"command": "transcript", "text": "   "},
		{"command": "feedback", "original": "", "user_correction": ""},
	} {
		sendJSON(t, conn, cmd)
		readUntil(t, conn, "error")
	}

	sendJSON(t, conn, map[string]any{"command": "get_stats"})
	readUntil(t, conn, "stats")
}

func TestWS_AudioOnlyWhileRecording(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	conn := f.dial(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := conn.Write(ctx, websocket.MessageBinary, encodeFrame(16000, []byte{1, 2})); err != nil {
		t.Fatal(err)
	}
	sendJSON(t, conn, map[string]any{"command": "start_recording"})
	readUntil(t, conn, "recording_started")
	if n := len(f.stt.Calls()); n != 0 {
		t.Fatalf("stream opened %d times before recording", n)
	}

	if err := conn.Write(ctx, websocket.MessageBinary, encodeFrame(16000, []byte{3, 4})); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for len(f.stt.Session.Chunks()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("audio never reached the STT stream")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if calls := f.stt.Calls(); len(calls) != 1 || calls[0].Cfg.SampleRate != 16000 {
		t.Errorf("StartStream calls = %+v", calls)
	}

	f.stt.Session.FinalsCh <- types.Transcript{Text: "see you tomorrow", IsFinal: true}
	full, _ := readUntil(t, conn, "fullSentence")
	if !strings.HasPrefix(full["text"].(string), "See you tomorrow") {
		t.Errorf("fullSentence = %q", full["text"])
	}

	if err := conn.Write(ctx, websocket.MessageBinary, []byte{9}); err != nil {
		t.Fatal(err)
	}
	readUntil(t, conn, "error")
}

func TestWS_DisconnectClosesSession(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	conn := f.dial(t)

	sendJSON(t, conn, map[string]any{"command": "get_stats"})
	readUntil(t, conn, "stats")
	if n := f.manager.Count(); n != 1 {
		t.Fatalf("Count = %d, want 1", n)
	}

	conn.Close(websocket.StatusNormalClosure, "bye")
	deadline := time.Now().Add(2 * time.Second)
	for f.manager.Count() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("session still registered after disconnect")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func getJSON(t *testing.T, url string, wantStatus int, dest any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != wantStatus {
		t.Fatalf("GET %s status = %d, want %d", url, resp.StatusCode, wantStatus)
	}
	if dest != nil {
		if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
}

func TestAdminAPI(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	for range 2 {
		if err := f.mem.RecordCorrection(ctx, "I gotta go", "", "I must go", types.SourceManual, types.ToneFormal); err != nil {
			t.Fatal(err)
		}
	}
	if err := f.mem.RecordCorrection(ctx, "yeah sure", "", "yes sure", types.SourceManual, types.ToneFormal); err != nil {
		t.Fatal(err)
	}

	var stats types.Stats
	getJSON(t, f.http.URL+"/api/stats", http.StatusOK, &stats)
	if stats.TotalCorrections != 3 || stats.ActiveRules != 1 {
		t.Errorf("stats = %+v", stats)
	}

	var all struct{ Rules []types.LearnedRule }
	getJSON(t, f.http.URL+"/api/rules?tone=formal", http.StatusOK, &all)
	if len(all.Rules) != 2 {
		t.Errorf("all rules = %+v, want 2", all.Rules)
	}
	var active struct{ Rules []types.LearnedRule }
	getJSON(t, f.http.URL+"/api/rules?tone=formal&min_usage=2", http.StatusOK, &active)
	if len(active.Rules) != 1 || active.Rules[0].From != "gotta" {
		t.Errorf("active rules = %+v", active.Rules)
	}

	var hist struct{ Items []types.HistoryItem }
	getJSON(t, f.http.URL+"/api/history?limit=3", http.StatusOK, &hist)
	if hist.Items == nil || len(hist.Items) != 0 {
		t.Errorf("history = %#v, want empty list", hist.Items)
	}

	var doc types.Export
	getJSON(t, f.http.URL+"/api/export", http.StatusOK, &doc)
	if len(doc.Corrections) != 3 {
		t.Errorf("export corrections = %d, want 3", len(doc.Corrections))
	}

	getJSON(t, f.http.URL+"/api/history?limit=-1", http.StatusBadRequest, nil)
	getJSON(t, f.http.URL+"/api/rules?tone=loud", http.StatusBadRequest, nil)
	getJSON(t, f.http.URL+"/api/rules?min_usage=many", http.StatusBadRequest, nil)
	getJSON(t, f.http.URL+"/healthz", http.StatusOK, nil)
	getJSON(t, f.http.URL+"/readyz", http.StatusOK, nil)
	getJSON(t, f.http.URL+"/metrics", http.StatusNotFound, nil)
}
