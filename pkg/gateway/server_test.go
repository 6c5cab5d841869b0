package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"livechat/pkg/bridge"
	"livechat/pkg/bus"
	"livechat/pkg/config"
	"livechat/pkg/logger"
)

type fakeBridge struct {
	mu    sync.Mutex
	infos map[string]bridge.Info
	sent  []bridge.Command
	reply func(cmd bridge.Command) (bridge.Ack, error)
}

func newFakeBridge(names ...string) *fakeBridge {
	fb := &fakeBridge{infos: make(map[string]bridge.Info)}
	for _, name := range names {
		fb.infos[name] = bridge.Info{
			Name:  name,
			State: bridge.StateConnected,
			Bindings: []bridge.BindingInfo{
				{BindingID: "lobby", GuildID: "1", ChannelID: "2", Status: bridge.BindingActive, HasWebhook: true},
			},
		}
	}
	return fb
}

func (f *fakeBridge) Send(ctx context.Context, cmd bridge.Command) (bridge.Ack, error) {
	f.mu.Lock()
	f.sent = append(f.sent, cmd)
	reply := f.reply
	_, known := f.infos[cmd.Session]
	f.mu.Unlock()

	if !known {
		return bridge.Ack{}, fmt.Errorf("%w: %s", bridge.ErrSessionNotFound, cmd.Session)
	}
	if err := cmd.Validate(); err != nil {
		return bridge.Ack{}, err
	}
	if reply != nil {
		return reply(cmd)
	}
	return bridge.Ack{CommandID: "cmd-1", MessageID: "msg-1"}, nil
}

func (f *fakeBridge) Info(name string) (bridge.Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.infos[name]
	if !ok {
		return bridge.Info{}, fmt.Errorf("%w: %s", bridge.ErrSessionNotFound, name)
	}
	return info, nil
}

func (f *fakeBridge) Infos() []bridge.Info {
	f.mu.Lock()
	defer f.mu.Unlock()
	infos := make([]bridge.Info, 0, len(f.infos))
	for _, info := range f.infos {
		infos = append(infos, info)
	}
	return infos
}

func (f *fakeBridge) lastSent() bridge.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[len(f.sent)-1]
}

func newTestServer(t *testing.T, fb *fakeBridge) (*Server, *bus.LocalBus) {
	t.Helper()

	eventBus := bus.NewLocalBus(logger.Nop(), 16)
	if err := eventBus.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { eventBus.Stop() })

	return newServer(config.DefaultConfig(), logger.Nop(), fb, eventBus), eventBus
}

// serve runs s behind a real listener; streams are closed before the
// listener so that Close does not wait on open streams.
func serve(t *testing.T, s *Server) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(s.echo)
	t.Cleanup(ts.Close)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return ts
}

func do(s *Server, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	s, _ := newTestServer(t, newFakeBridge())

	rec := do(s, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var body map[string]string
	json.NewDecoder(rec.Body).Decode(&body)
	if body["status"] != "ok" {
		t.Fatalf("expected status ok, got %s", body["status"])
	}
}

func TestStatusEndpoint(t *testing.T) {
	s, _ := newTestServer(t, newFakeBridge("alpha", "beta"))

	rec := do(s, http.MethodGet, "/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal status failed: %v", err)
	}
	for _, key := range []string{"version", "uptime", "sessions", "states", "streams", "bus_metrics"} {
		if _, ok := body[key]; !ok {
			t.Fatalf("expected key %q in payload, got: %v", key, body)
		}
	}
	if body["sessions"] != float64(2) {
		t.Fatalf("expected 2 sessions, got %v", body["sessions"])
	}
}

func TestSessionsEndpoints(t *testing.T) {
	s, _ := newTestServer(t, newFakeBridge("alpha"))

	rec := do(s, http.MethodGet, "/sessions", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var list []bridge.Info
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].Name != "alpha" || list[0].Bindings[0].Status != bridge.BindingActive {
		t.Fatalf("unexpected sessions: %+v", list)
	}

	rec = do(s, http.MethodGet, "/sessions/alpha", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"state":"connected"`) {
		t.Fatalf("unexpected session response %d: %s", rec.Code, rec.Body.String())
	}

	rec = do(s, http.MethodGet, "/sessions/ghost", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	var errBody errorResponse
	json.Unmarshal(rec.Body.Bytes(), &errBody)
	if errBody.Error != bridge.CodeSessionNotFound {
		t.Fatalf("expected SessionNotFound, got %+v", errBody)
	}
}

func TestSendMessage(t *testing.T) {
	valid := `{"binding_id":"lobby","author_display_name":"Player","content":"hello"}`

	tests := []struct {
		name    string
		session string
		body    string
		reply   func(bridge.Command) (bridge.Ack, error)
		status  int
		code    bridge.Code
	}{
		{name: "delivered", session: "alpha", body: valid, status: http.StatusOK},
		{
			name: "queued", session: "alpha", body: valid,
			reply:  func(bridge.Command) (bridge.Ack, error) { return bridge.Ack{CommandID: "c", Queued: true}, nil },
			status: http.StatusAccepted,
		},
		{name: "malformed body", session: "alpha", body: `{"content":`, status: http.StatusBadRequest, code: bridge.CodeInvalidRequest},
		{name: "missing content", session: "alpha", body: `{"binding_id":"lobby","author_display_name":"P"}`, status: http.StatusBadRequest, code: bridge.CodeInvalidRequest},
		{name: "unknown session", session: "ghost", body: valid, status: http.StatusNotFound, code: bridge.CodeSessionNotFound},
		{
			name: "binding unusable", session: "alpha", body: valid,
			reply: func(cmd bridge.Command) (bridge.Ack, error) {
				return bridge.Ack{}, &bridge.BindingError{Session: cmd.Session, BindingID: cmd.BindingID, Err: errors.New("channel deleted")}
			},
			status: http.StatusConflict, code: bridge.CodeBindingUnusable,
		},
		{
			name: "rate limited", session: "alpha", body: valid,
			reply:  func(bridge.Command) (bridge.Ack, error) { return bridge.Ack{}, bridge.ErrRateLimited },
			status: http.StatusTooManyRequests, code: bridge.CodeRateLimited,
		},
		{
			name: "session closed", session: "alpha", body: valid,
			reply:  func(bridge.Command) (bridge.Ack, error) { return bridge.Ack{}, bridge.ErrSessionClosed },
			status: http.StatusServiceUnavailable, code: bridge.CodeSessionClosed,
		},
		{
			name: "not accepted before deadline", session: "alpha", body: valid,
			reply:  func(bridge.Command) (bridge.Ack, error) { return bridge.Ack{}, context.DeadlineExceeded },
			status: http.StatusTooManyRequests, code: bridge.CodeRateLimited,
		},
		{
			name: "unexpected", session: "alpha", body: valid,
			reply:  func(bridge.Command) (bridge.Ack, error) { return bridge.Ack{}, errors.New("boom") },
			status: http.StatusInternalServerError, code: codeInternal,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			fb := newFakeBridge("alpha")
			fb.reply = tc.reply
			s, _ := newTestServer(t, fb)

			rec := do(s, http.MethodPost, "/sessions/"+tc.session+"/messages", tc.body)
			if rec.Code != tc.status {
				t.Fatalf("expected %d, got %d: %s", tc.status, rec.Code, rec.Body.String())
			}
			if tc.code == "" {
				var ack bridge.Ack
				if err := json.Unmarshal(rec.Body.Bytes(), &ack); err != nil {
					t.Fatal(err)
				}
				if ack.CommandID == "" {
					t.Fatalf("ack without command id: %s", rec.Body.String())
				}
				return
			}
			var errBody errorResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &errBody); err != nil {
				t.Fatal(err)
			}
			if errBody.Error != tc.code || errBody.Message == "" {
				t.Fatalf("expected code %s with message, got %+v", tc.code, errBody)
			}
		})
	}
}

func TestSendMessageClientGone(t *testing.T) {
	fb := newFakeBridge("alpha")
	fb.reply = func(bridge.Command) (bridge.Ack, error) { return bridge.Ack{}, context.Canceled }
	s, _ := newTestServer(t, fb)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/sessions/alpha/messages",
		strings.NewReader(`{"binding_id":"lobby","author_display_name":"Player","content":"hello"}`)).WithContext(ctx)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)

	if rec.Code != statusClientClosedRequest {
		t.Fatalf("expected %d, got %d", statusClientClosedRequest, rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Fatalf("expected no body for an abandoned send, got %s", rec.Body.String())
	}

	// Canceled by something other than the caller is still a server fault.
	rec = do(s, http.MethodPost, "/sessions/alpha/messages",
		`{"binding_id":"lobby","author_display_name":"Player","content":"hello"}`)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

func TestSendMessageRoutesCommand(t *testing.T) {
	fb := newFakeBridge("alpha")
	s, _ := newTestServer(t, fb)

	do(s, http.MethodPost, "/sessions/alpha/messages",
		`{"binding_id":"lobby","author_display_name":"Player","content":"hi there"}`)

	cmd := fb.lastSent()
	want := bridge.Command{Session: "alpha", BindingID: "lobby", Author: "Player", Content: "hi there"}
	if cmd != want {
		t.Fatalf("expected %+v, got %+v", want, cmd)
	}
}

func readSSE(t *testing.T, lines *bufio.Scanner) *bus.Event {
	t.Helper()
	for lines.Scan() {
		line := lines.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev bus.Event
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			t.Fatalf("bad event payload %q: %v", line, err)
		}
		return &ev
	}
	t.Fatalf("stream ended: %v", lines.Err())
	return nil
}

func publish(t *testing.T, b bus.Bus, session, content string) {
	t.Helper()
	err := b.Publish(&bus.Event{
		ID:        session + "-" + content,
		Type:      bus.EventMessage,
		Session:   session,
		Content:   content,
		Timestamp: time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestSessionEventsOverSSE(t *testing.T) {
	s, eventBus := newTestServer(t, newFakeBridge("alpha", "beta"))
	ts := serve(t, s)

	resp, err := http.Get(ts.URL + "/sessions/alpha/events")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}
	lines := bufio.NewScanner(resp.Body)

	publish(t, eventBus, "beta", "not for us")
	publish(t, eventBus, "alpha", "first")
	if ev := readSSE(t, lines); ev.Session != "alpha" || ev.Content != "first" {
		t.Fatalf("unexpected event %+v", ev)
	}

	publish(t, eventBus, "beta", "still not for us")
	publish(t, eventBus, "alpha", "second")
	if ev := readSSE(t, lines); ev.Content != "second" {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestSessionEventsUnknownSession(t *testing.T) {
	s, _ := newTestServer(t, newFakeBridge("alpha"))

	rec := do(s, http.MethodGet, "/sessions/ghost/events", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestAllEventsOverWebSocket(t *testing.T) {
	s, eventBus := newTestServer(t, newFakeBridge("alpha", "beta"))
	ts := serve(t, s)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	publish(t, eventBus, "alpha", "a")
	publish(t, eventBus, "beta", "b")

	seen := map[string]bool{}
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for len(seen) < 2 {
		var ev bus.Event
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("read failed after %v: %v", seen, err)
		}
		seen[ev.Session] = true
	}
}

func TestClosingOneStreamKeepsOthers(t *testing.T) {
	s, eventBus := newTestServer(t, newFakeBridge("alpha"))
	ts := serve(t, s)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/sessions/alpha/events"
	first, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	second, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer second.Close()

	first.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	first.Close()

	deadline := time.Now().Add(3 * time.Second)
	for {
		s.mu.Lock()
		n := len(s.streams)
		s.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected 1 open stream, got %d", n)
		}
		time.Sleep(5 * time.Millisecond)
	}

	publish(t, eventBus, "alpha", "after close")
	second.SetReadDeadline(time.Now().Add(3 * time.Second))
	var ev bus.Event
	if err := second.ReadJSON(&ev); err != nil || ev.Content != "after close" {
		t.Fatalf("remaining stream broken: %+v %v", ev, err)
	}
}

func TestStopEndsStreams(t *testing.T) {
	s, _ := newTestServer(t, newFakeBridge("alpha"))
	ts := serve(t, s)

	resp, err := http.Get(ts.URL + "/events")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	ended := make(chan struct{})
	go func() {
		lines := bufio.NewScanner(resp.Body)
		for lines.Scan() {
		}
		close(ended)
	}()
	select {
	case <-ended:
	case <-time.After(3 * time.Second):
		t.Fatal("stream still open after Stop")
	}
}
