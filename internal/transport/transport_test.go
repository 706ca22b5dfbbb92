package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/scratchcloud/client/internal/enginelog"
)

var upgrader = websocket.Upgrader{}

// newEchoServer accepts one WebSocket connection, replies to the handshake
// with firstFrame, and then forwards anything the client sends onto
// received — just enough to drive Session's connect and read-loop paths
// without a real Scratch backend.
func newEchoServer(t *testing.T, firstFrame string) (*httptest.Server, chan []byte) {
	t.Helper()
	received := make(chan []byte, 16)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.WriteMessage(websocket.TextMessage, []byte(firstFrame)) //nolint:errcheck
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			received <- data
		}
	}))
	return srv, received
}

func testConfig() Config {
	return Config{
		ConnectTimeout:     time.Second,
		HandshakeTimeout:   time.Second,
		MaxConnectAttempts: 3,
		UploadWaitTime:     5 * time.Millisecond,
		PacerInterval:      2 * time.Millisecond,
	}
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func TestConnectDispatchesFirstFrameOnFirstConnect(t *testing.T) {
	srv, _ := newEchoServer(t, `{"method":"set","name":"score","value":10}`+"\n")
	defer srv.Close()

	s := New(1, "alice", "sess", "proj", testConfig(), enginelog.New(enginelog.LevelError))
	s.url = wsURL(srv.URL)

	var mu sync.Mutex
	var gotName, gotValue string
	s.OnVariableSet(func(name, value string) {
		mu.Lock()
		gotName, gotValue = name, value
		mu.Unlock()
	})

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer s.Close()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := gotName
		mu.Unlock()
		if n != "" {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if gotName != "score" || gotValue != "10" {
		t.Fatalf("got (%q, %q), want (%q, %q)", gotName, gotValue, "score", "10")
	}
}

func TestEnqueueAndSendReachesServer(t *testing.T) {
	srv, received := newEchoServer(t, "\n")
	defer srv.Close()

	s := New(1, "alice", "sess", "proj", testConfig(), enginelog.New(enginelog.LevelError))
	s.url = wsURL(srv.URL)

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer s.Close()

	select {
	case <-received: // the handshake frame sent by Connect
	case <-time.After(time.Second):
		t.Fatal("server never received the handshake frame")
	}

	s.Enqueue("score", "7")

	select {
	case data := <-received:
		if !strings.Contains(string(data), `"☁ score"`) || !strings.Contains(string(data), `"7"`) {
			t.Fatalf("server received %q, want a set frame for score=7", data)
		}
	case <-time.After(time.Second):
		t.Fatal("server never received the queued frame")
	}
}

func TestQueueSizeReflectsPendingEntries(t *testing.T) {
	s := New(1, "alice", "sess", "proj", testConfig(), enginelog.New(enginelog.LevelError))
	if s.QueueSize() != 0 {
		t.Fatalf("QueueSize() = %d, want 0", s.QueueSize())
	}
	s.Enqueue("a", "1")
	s.Enqueue("b", "2")
	if s.QueueSize() != 2 {
		t.Fatalf("QueueSize() = %d, want 2", s.QueueSize())
	}
}

// TestReconnectDiscardsFirstFrame drives the server through two connect
// cycles: the first connection's first frame is a genuine inbound record and
// must be dispatched, but the second connection's first frame (the server's
// post-reconnect state re-announcement) must be discarded silently.
func TestReconnectDiscardsFirstFrame(t *testing.T) {
	frames := []string{
		`{"method":"set","name":"score","value":1}` + "\n",
		`{"method":"set","name":"score","value":999}` + "\n",
	}
	conns := make(chan *websocket.Conn, 2)
	var connCount atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		i := int(connCount.Add(1)) - 1
		if i < len(frames) {
			conn.WriteMessage(websocket.TextMessage, []byte(frames[i])) //nolint:errcheck
		}
		conns <- conn
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	s := New(1, "alice", "sess", "proj", testConfig(), enginelog.New(enginelog.LevelError))
	s.url = wsURL(srv.URL)

	var mu sync.Mutex
	var gotName, gotValue string
	var count int
	s.OnVariableSet(func(name, value string) {
		mu.Lock()
		gotName, gotValue = name, value
		count++
		mu.Unlock()
	})

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer s.Close()

	first := <-conns

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := gotName
		mu.Unlock()
		if n != "" {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	first.Close() // drops the connection, forcing the pacer to reconnect

	select {
	case <-conns: // second connection established
	case <-time.After(time.Second):
		t.Fatal("session never reconnected after the first connection dropped")
	}

	// give the pacer time to finish connectOnce and, if it were buggy,
	// to dispatch the reconnect announce frame
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Fatalf("OnVariableSet invoked %d times, want 1 (reconnect announce frame must be discarded)", count)
	}
	if gotName != "score" || gotValue != "1" {
		t.Fatalf("got (%q, %q), want (%q, %q) — the reconnect announce must never overwrite the first value", gotName, gotValue, "score", "1")
	}
}

func TestConnectMarksDeadAfterExhaustingAttempts(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConnectAttempts = 2
	cfg.ConnectTimeout = 20 * time.Millisecond
	s := New(1, "alice", "sess", "proj", cfg, enginelog.New(enginelog.LevelError))
	s.url = "ws://127.0.0.1:1" // nothing listening

	err := s.Connect(context.Background())
	if err == nil {
		t.Fatal("expected error after exhausting connect attempts")
	}
	if !s.Dead() {
		t.Fatal("Dead() = false, want true after exhausting connect attempts")
	}
}
