// Package activity tracks the two wall-clock timestamps the Session
// Supervisor watches for idleness: lastTransportActivity and lastUpload.
// Both are stored as UnixNano in atomic.Int64 fields, the same lock-free
// counter idiom token/heartbeat.go uses for heartbeatCount — no mutex is
// needed because every read and write is a single atomic load or store; with
// concurrent writers the last store wins.
package activity

import (
	"sync/atomic"
	"time"
)

// Clocks holds the two activity timestamps shared across the Fan
// Coordinator, the Change-Log Poller, the Source Arbitrator, and the
// Session Supervisor's idle watchdog.
type Clocks struct {
	lastTransportActivity atomic.Int64
	lastUpload atomic.Int64
}

// New creates Clocks with both timestamps set to now, so a freshly-built
// client is never considered idle before it has done anything.
func New() *Clocks {
	c := &Clocks{}
	now := time.Now().UnixNano()
	c.lastTransportActivity.Store(now)
	c.lastUpload.Store(now)
	return c
}

// TouchTransport records that a transport-originated observation was just
// processed.
func (c *Clocks) TouchTransport() {
	c.lastTransportActivity.Store(time.Now().UnixNano())
}

// TouchUpload records that an outbound set was just dispatched to a session.
func (c *Clocks) TouchUpload() {
	c.lastUpload.Store(time.Now().UnixNano())
}

// TransportIdleFor returns how long it has been since the last transport
// activity.
func (c *Clocks) TransportIdleFor() time.Duration {
	return time.Since(time.Unix(0, c.lastTransportActivity.Load()))
}

// UploadIdleFor returns how long it has been since the last outbound
// upload.
func (c *Clocks) UploadIdleFor() time.Duration {
	return time.Since(time.Unix(0, c.lastUpload.Load()))
}
