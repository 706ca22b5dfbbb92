// Package fan implements the Fan Coordinator: it owns a set
// of K transport.Session instances, load-balances outbound writes across
// them, and cross-validates their inbound streams to suppress echoes of this
// client's own writes before handing genuine remote observations to the
// Source Arbitrator.
//
// Build's concurrent-construction shape is grounded on session/manager.go's
// CreateSessions: a buffered result channel and a WaitGroup-closer goroutine
// so the collecting loop can range over the channel without a separate done
// signal. Dial concurrency itself runs through a workerpool.Pool sized by
// ConnectConcurrency; when that is <= 0, every session dials at once.
package fan

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/scratchcloud/client/internal/activity"
	"github.com/scratchcloud/client/internal/arbitrate"
	"github.com/scratchcloud/client/internal/enginelog"
	"github.com/scratchcloud/client/internal/enginemetrics"
	"github.com/scratchcloud/client/internal/transport"
	"github.com/scratchcloud/client/internal/workerpool"
)

// Config groups the timing knobs the Coordinator itself needs, distinct
// from the per-session transport.Config.
type Config struct {
	Connections int
	ListenWindow time.Duration
	WindowPollInterval time.Duration
	WaitForUploadPollInterval time.Duration
	Session transport.Config

	// ConnectConcurrency caps how many sessions Build dials at once. <= 0
	// means no cap (dial all Connections concurrently), matching the
	// behavior callers relied on before this field existed.
	ConnectConcurrency int
}

// session is the subset of *transport.Session's contract the Coordinator
// depends on. Defined as an interface so tests can drive the quorum window
// and dispatch logic with an in-memory fake instead of real WebSocket
// connections, matching the mock-server testing style.
type session interface {
	ID() int
	Connected() bool
	QueueSize() int
	Enqueue(name, value string)
	OnVariableSet(fn transport.InboundFunc)
	OnFrameSent(fn func())
	Connect(ctx context.Context) error
	Close()
}

// sessionFactory creates the session for a given index. The production
// default wraps transport.New; tests substitute a fake.
type sessionFactory func(id int) session

// observation is one (name, value) pair seen by a session during the
// current coordination window.
type observation struct {
	name, value string
}

// Coordinator owns a fixed set of transport sessions for the lifetime of one
// fan. It is rebuilt, not mutated, whenever the Supervisor performs an idle
// reconnect.
type Coordinator struct {
	cfg Config
	username string
	sessionID string
	projectID string

	log *enginelog.Logger
	metrics *enginemetrics.Metrics
	arb *arbitrate.Arbitrator
	clocks *activity.Clocks

	newSession sessionFactory
	sessions []session

	winMu sync.Mutex
	accum map[int][]observation // session id -> observations this window
	listening bool
	listenStart time.Time
	firstSeen []observation // dedup union U, first-seen order
	firstSeenSet map[observation]bool

	stopCh chan struct{}
	stopOnce sync.Once
	wg sync.WaitGroup
}

// New creates an unbuilt Coordinator. Call Build before Set/WaitForUpload.
func New(cfg Config, username, sessionID, projectID string, log *enginelog.Logger, metrics *enginemetrics.Metrics, arb *arbitrate.Arbitrator, clocks *activity.Clocks) *Coordinator {
	c := &Coordinator{
		cfg: cfg,
		username: username,
		sessionID: sessionID,
		projectID: projectID,
		log: log,
		metrics: metrics,
		arb: arb,
		clocks: clocks,
		accum: make(map[int][]observation),
		stopCh: make(chan struct{}),
	}
	c.newSession = func(id int) session {
		return transport.New(id, c.username, c.sessionID, c.projectID, c.cfg.Session, c.log)
	}
	return c
}

// Build creates cfg.Connections transport sessions concurrently and connects
// each one. If any session fails to reach Connected, Build returns an
// aggregated error and the Coordinator is left unusable — the Supervisor
// decides whether to retry the whole build.
func (c *Coordinator) Build(ctx context.Context) error {
	type result struct {
		s session
		err error
		id int
	}

	n := c.cfg.Connections
	results := make(chan result, n)
	var wg sync.WaitGroup

	concurrency := c.cfg.ConnectConcurrency
	if concurrency <= 0 || concurrency > n {
		concurrency = n
	}
	pool := workerpool.New(concurrency)

	for i := 0; i < n; i++ {
		wg.Add(1)
		id := i
		pool.Submit(func() {
			defer wg.Done()
			s := c.newSession(id)
			s.OnVariableSet(func(name, value string) {
				c.onObservation(id, name, value)
			})
			s.OnFrameSent(func() {
				c.metrics.FramesSent.Add(1)
			})
			err := s.Connect(ctx)
			results <- result{s: s, err: err, id: id}
		})
	}

	go func() {
		wg.Wait()
		close(results)
		pool.Close()
	}()

	sessions := make([]session, n)
	var errs []error
	for r := range results {
		if r.err != nil {
			errs = append(errs, r.err)
			continue
		}
		sessions[r.id] = r.s
	}

	if len(errs) > 0 {
		return fmt.Errorf("fan: %d/%d session(s) failed to connect; first error: %w", len(errs), n, errs[0])
	}

	for _, s := range sessions {
		if !s.Connected() {
			return fmt.Errorf("fan: session %d reports not connected after Build", s.ID())
		}
	}

	c.sessions = sessions

	c.wg.Add(1)
	go c.windowLoop()
	return nil
}

// Connected reports whether every owned session is currently connected.
func (c *Coordinator) Connected() bool {
	if len(c.sessions) == 0 {
		return false
	}
	for _, s := range c.sessions {
		if !s.Connected() {
			return false
		}
	}
	return true
}

// Set picks the session with the smallest outbound queue depth at the
// moment of the call (ties broken by lowest index) and enqueues (name,
// value) on it. The facade separately mirrors the write into the local
// store; see the "last writer wins locally" open question in DESIGN.md.
func (c *Coordinator) Set(name, value string) {
	if len(c.sessions) == 0 {
		return
	}
	best := c.sessions[0]
	bestSize := best.QueueSize()
	for _, s := range c.sessions[1:] {
		if n := s.QueueSize(); n < bestSize {
			best, bestSize = s, n
		}
	}
	best.Enqueue(name, value)
	c.clocks.TouchUpload()
}

// WaitForUpload blocks until every session's outbound queue is empty,
// polling at cfg.WaitForUploadPollInterval.
func (c *Coordinator) WaitForUpload(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.WaitForUploadPollInterval)
	defer ticker.Stop()

	for {
		if c.allQueuesEmpty() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Coordinator) allQueuesEmpty() bool {
	for _, s := range c.sessions {
		if s.QueueSize() > 0 {
			return false
		}
	}
	return true
}

// Close stops the window processor and closes every owned session.
func (c *Coordinator) Close() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
	for _, s := range c.sessions {
		s.Close()
	}
}

// onObservation records one inbound (name, value) against session id's
// accumulation vector, opening a coordination window on the first arrival
// of an idle period.
func (c *Coordinator) onObservation(sessionID int, name, value string) {
	c.metrics.FramesReceived.Add(1)

	obs := observation{name: name, value: value}

	c.winMu.Lock()
	c.accum[sessionID] = append(c.accum[sessionID], obs)
	if !c.listening {
		c.listening = true
		c.listenStart = time.Now()
		c.firstSeen = nil
		c.firstSeenSet = make(map[observation]bool)
	}
	if !c.firstSeenSet[obs] {
		c.firstSeenSet[obs] = true
		c.firstSeen = append(c.firstSeen, obs)
	}
	c.winMu.Unlock()
}

// windowLoop wakes every WindowPollInterval and closes the coordination
// window once it has been open for ListenWindow, 
func (c *Coordinator) windowLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.WindowPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.maybeCloseWindow()
		}
	}
}

// maybeCloseWindow closes and processes the current coordination window if
// it has been open for at least ListenWindow. Processing happens outside
// winMu so Arbitrate — which itself may invoke subscriber callbacks — never
// runs while the window lock is held.
func (c *Coordinator) maybeCloseWindow() {
	c.winMu.Lock()
	if !c.listening || time.Since(c.listenStart) < c.cfg.ListenWindow {
		c.winMu.Unlock()
		return
	}

	accum := c.accum
	firstSeen := c.firstSeen
	c.accum = make(map[int][]observation)
	c.listening = false
	c.firstSeen = nil
	c.firstSeenSet = nil
	c.winMu.Unlock()

	connected := c.connectedIDs()
	if len(connected) == 0 {
		return
	}

	for _, obs := range firstSeen {
		count, uniform := quorumCount(obs, connected, accum)
		if !uniform || count == 0 {
			c.metrics.EchoesSuppressed.Add(1)
			continue
		}
		c.arb.Arbitrate(arbitrate.Transport, "", obs.name, obs.value)
	}
}

// quorumCount computes count_k(m) for every connected session k and reports
// whether it is the same positive integer across all of them.
func quorumCount(obs observation, connected []int, accum map[int][]observation) (count int, uniform bool) {
	for i, id := range connected {
		n := countIn(accum[id], obs)
		if i == 0 {
			count = n
			continue
		}
		if n != count {
			return 0, false
		}
	}
	return count, count > 0
}

func countIn(observations []observation, target observation) int {
	n := 0
	for _, o := range observations {
		if o == target {
			n++
		}
	}
	return n
}

func (c *Coordinator) connectedIDs() []int {
	ids := make([]int, 0, len(c.sessions))
	for _, s := range c.sessions {
		if s.Connected() {
			ids = append(ids, s.ID())
		}
	}
	return ids
}
