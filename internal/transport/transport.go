// Package transport implements the Transport Session: one
// duplex real-time connection to the cloud-variable endpoint, with its own
// outbound pacer, its own reconnect loop, and a per-record inbound callback.
//
// The connect/reconnect/callback shape is grounded on the Kalshi WebSocket
// client idiom (gorilla/websocket DialContext + a background read loop that
// re-dials on error). Connection-state tracking and the register-once
// callback pattern are adapted from GoSessionEngine's session/session.go,
// which uses a plain mutex rather than atomics for its own state.
package transport

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/scratchcloud/client/internal/enginelog"
	"github.com/scratchcloud/client/internal/wire"
)

// URL is the fixed real-time transport endpoint.
const URL = "wss://clouddata.scratch.mit.edu"

// Config groups the timing knobs a Session needs. All fields are required;
// see internal/config for the process-wide defaults.
type Config struct {
	ConnectTimeout time.Duration
	HandshakeTimeout time.Duration
	MaxConnectAttempts int
	UploadWaitTime time.Duration
	PacerInterval time.Duration
}

// InboundFunc is invoked once per parsed inbound variable record.
type InboundFunc func(name, value string)

type outboundEntry struct {
	name, value string
}

// Session is one Transport Session. The zero value is not usable; construct
// with New.
type Session struct {
	id int
	username, sessionID, projectID string
	url string
	cfg Config
	log *enginelog.Logger

	mu sync.Mutex
	conn *websocket.Conn
	everConnected bool
	dead bool

	connected atomic.Bool
	reconnectPending atomic.Bool

	outMu sync.Mutex
	queue []outboundEntry

	lastUpload atomic.Int64

	cbMu sync.RWMutex
	onSet InboundFunc
	onFrameSent func()

	stopCh chan struct{}
	stopOnce sync.Once
}

// New creates a Session in the [New] state.
// Call Connect before enqueuing writes or expecting inbound callbacks.
func New(id int, username, sessionID, projectID string, cfg Config, log *enginelog.Logger) *Session {
	return &Session{
		id: id,
		username: username,
		sessionID: sessionID,
		projectID: projectID,
		url: URL,
		cfg: cfg,
		log: log,
		stopCh: make(chan struct{}),
	}
}

// ID returns this session's coordinator-assigned index.
func (s *Session) ID() int { return s.id }

// OnVariableSet registers the callback invoked once per parsed inbound
// variable record. Must be called before Connect.
func (s *Session) OnVariableSet(fn InboundFunc) {
	s.cbMu.Lock()
	s.onSet = fn
	s.cbMu.Unlock()
}

// OnFrameSent registers an optional callback invoked after each outbound
// frame is successfully written to the wire, for metrics instrumentation.
func (s *Session) OnFrameSent(fn func()) {
	s.cbMu.Lock()
	s.onFrameSent = fn
	s.cbMu.Unlock()
}

// Connected reports whether the handshake completed and no unrecovered
// close has been observed.
func (s *Session) Connected() bool { return s.connected.Load() }

// Dead reports whether the session exhausted its connect-attempt cap and is
// permanently unusable.
func (s *Session) Dead() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dead
}

// QueueSize returns the current outbound queue depth. Non-blocking snapshot.
func (s *Session) QueueSize() int {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	return len(s.queue)
}

// Enqueue appends (name, value) to the outbound queue. Never blocks, never
// fails: a disconnected session simply accumulates entries until it
// reconnects.
func (s *Session) Enqueue(name, value string) {
	s.outMu.Lock()
	s.queue = append(s.queue, outboundEntry{name: name, value: value})
	s.outMu.Unlock()
}

// Connect runs the connect protocol, retrying immediately up
// to cfg.MaxConnectAttempts times. On success it starts the session's
// outbound pacer and returns nil. On exhausting the cap it marks the
// session Dead and returns an error.
func (s *Session) Connect(ctx context.Context) error {
	for attempt := 0; attempt < s.cfg.MaxConnectAttempts; attempt++ {
		if err := s.connectOnce(ctx); err != nil {
			s.log.Debugf("transport: session %d: connect attempt %d/%d failed: %v",
				s.id, attempt+1, s.cfg.MaxConnectAttempts, err)
			continue
		}
		go s.pacerLoop(ctx)
		return nil
	}

	s.mu.Lock()
	s.dead = true
	s.mu.Unlock()
	s.connected.Store(false)
	return fmt.Errorf("transport: session %d: exceeded %d connect attempts", s.id, s.cfg.MaxConnectAttempts)
}

// Close signals the pacer to stop and closes the underlying connection.
// Idempotent.
func (s *Session) Close() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.mu.Lock()
	if s.conn != nil {
		s.conn.Close() //nolint:errcheck
		s.conn = nil
	}
	s.mu.Unlock()
	s.connected.Store(false)
}

// connectOnce performs one dial + handshake + first-frame wait. On the
// session's first-ever successful connect, the first inbound frame is
// dispatched normally. On a reconnect, that same first frame is the
// server's state re-announcement and is discarded silently.
func (s *Session) connectOnce(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()

	header := http.Header{}
	header.Set("Cookie", fmt.Sprintf("scratchsessionsid=%s;", s.sessionID))
	header.Set("Origin", "https://scratch.mit.edu")
	header.Set("enable_multithread", "true")

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, s.url, header)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	frame, err := wire.Marshal(wire.NewHandshakeFrame(s.username, s.projectID))
	if err != nil {
		conn.Close() //nolint:errcheck
		return fmt.Errorf("marshal handshake: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		conn.Close() //nolint:errcheck
		return fmt.Errorf("send handshake: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(s.cfg.HandshakeTimeout)) //nolint:errcheck
	_, data, err := conn.ReadMessage()
	if err != nil {
		conn.Close() //nolint:errcheck
		return fmt.Errorf("await handshake response: %w", err)
	}
	conn.SetReadDeadline(time.Time{}) //nolint:errcheck

	s.mu.Lock()
	ignoreFirst := s.everConnected
	s.conn = conn
	s.everConnected = true
	s.mu.Unlock()

	if !ignoreFirst {
		s.dispatchFrame(data)
	}

	s.connected.Store(true)
	s.reconnectPending.Store(false)

	go s.readLoop(conn)
	return nil
}

// readLoop pumps inbound frames until the connection errors, at which point
// it marks the session for reconnect and exits. The pacer goroutine
// performs the actual reconnect so only one goroutine ever touches s.conn
// for writes.
func (s *Session) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if s.connected.CompareAndSwap(true, false) {
				s.reconnectPending.Store(true)
			}
			return
		}
		s.dispatchFrame(data)
	}
}

// dispatchFrame splits a frame into its newline-delimited records and
// invokes the inbound callback once per valid record. The trailing empty
// segment produced by a frame ending in "\n" is skipped, as are malformed
// records — each is logged and the rest of the frame still processed.
func (s *Session) dispatchFrame(data []byte) {
	for _, part := range strings.Split(string(data), "\n") {
		if part == "" {
			continue
		}
		name, value, err := wire.DecodeInboundRecord([]byte(part))
		if err != nil {
			s.log.Errorf("transport: session %d: malformed record: %v", s.id, err)
			continue
		}
		s.cbMu.RLock()
		cb := s.onSet
		s.cbMu.RUnlock()
		if cb != nil {
			cb(name, value)
		}
	}
}

// pacerLoop wakes every PacerInterval, performs a pending reconnect, or
// sends the next queued frame once UploadWaitTime has elapsed since the
// last send.
func (s *Session) pacerLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PacerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if s.reconnectPending.Load() {
				s.mu.Lock()
				if s.conn != nil {
					s.conn.Close() //nolint:errcheck
					s.conn = nil
				}
				s.mu.Unlock()
				if err := s.reconnect(ctx); err != nil {
					s.log.Errorf("transport: session %d: %v", s.id, err)
					return
				}
				continue
			}
			s.maybeSendNext()
		}
	}
}

// reconnect retries the connect protocol up to the configured cap without
// spawning a second pacer goroutine (the caller's pacerLoop is still
// running). Marks the session Dead and returns an error if every attempt
// fails.
func (s *Session) reconnect(ctx context.Context) error {
	for attempt := 0; attempt < s.cfg.MaxConnectAttempts; attempt++ {
		if err := s.connectOnce(ctx); err != nil {
			s.log.Debugf("transport: session %d: reconnect attempt %d/%d failed: %v",
				s.id, attempt+1, s.cfg.MaxConnectAttempts, err)
			continue
		}
		return nil
	}

	s.mu.Lock()
	s.dead = true
	s.mu.Unlock()
	s.connected.Store(false)
	return fmt.Errorf("exceeded %d reconnect attempts", s.cfg.MaxConnectAttempts)
}

// maybeSendNext sends the head-of-queue entry if enough time has elapsed
// since the last send and a connection is available. On any failure to
// send, the entry is pushed back to the head of the queue so it is not
// lost.
func (s *Session) maybeSendNext() {
	if time.Since(time.Unix(0, s.lastUpload.Load())) < s.cfg.UploadWaitTime {
		return
	}

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return
	}

	s.outMu.Lock()
	if len(s.queue) == 0 {
		s.outMu.Unlock()
		return
	}
	entry := s.queue[0]
	s.queue = s.queue[1:]
	s.outMu.Unlock()

	frame, err := wire.Marshal(wire.NewSetFrame(entry.name, entry.value, s.username, s.projectID))
	if err != nil {
		s.log.Errorf("transport: session %d: marshal set frame: %v", s.id, err)
		s.requeueFront(entry)
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		s.log.Errorf("transport: session %d: send set frame: %v", s.id, err)
		s.requeueFront(entry)
		return
	}

	s.lastUpload.Store(time.Now().UnixNano())

	s.cbMu.RLock()
	hook := s.onFrameSent
	s.cbMu.RUnlock()
	if hook != nil {
		hook()
	}
}

// requeueFront puts entry back at the head of the queue after a failed send
// attempt, ahead of whatever was enqueued in the meantime.
func (s *Session) requeueFront(entry outboundEntry) {
	s.outMu.Lock()
	s.queue = append([]outboundEntry{entry}, s.queue...)
	s.outMu.Unlock()
}
