// Package arbitrate implements the Source Arbitrator: the
// single gate between the two ingress paths (the transport fan and the
// change-log poller) and the caller's subscriber.
package arbitrate

import (
	"sync"

	"github.com/scratchcloud/client/internal/notify"
	"github.com/scratchcloud/client/internal/varstore"
)

// Source distinguishes which ingress produced an observation.
type Source int

const (
	// Transport events come from the real-time fan; anonymous (no setter).
	Transport Source = iota
	// ChangeLog events come from the polled audit log; carry setter identity.
	ChangeLog
)

// String renders Source for logging.
func (s Source) String() string {
	if s == ChangeLog {
		return "ChangeLog"
	}
	return "Transport"
}

// VariableChanged is delivered to subscribers for every accepted event.
type VariableChanged struct {
	Source Source
	User string // setter identity; always "" for Source == Transport
	Name string
	Value string
}

// ActivityToucher is touched whenever a Transport-source observation passes
// through the Arbitrator, even when the event is ultimately dropped at step
// 2 — the Poller must keep
// running for a ChangeLog-selected variable even while matching Transport
// traffic for it is discarded.
type ActivityToucher interface {
	TouchTransport()
}

// Arbitrator holds the per-variable listen-mode assignment and gates both
// ingress paths before they reach the variable store and the subscriber
// registry.
type Arbitrator struct {
	mu sync.Mutex
	modes map[string]Source
	defaultMode Source

	store *varstore.Store
	subs *notify.Registry[VariableChanged]
	clocks ActivityToucher
}

// New creates an Arbitrator backed by store and subs, touching clocks on
// every Transport-source observation. The default listen mode is ChangeLog
// 
func New(store *varstore.Store, subs *notify.Registry[VariableChanged], clocks ActivityToucher) *Arbitrator {
	return &Arbitrator{
		modes: make(map[string]Source),
		defaultMode: ChangeLog,
		store: store,
		subs: subs,
		clocks: clocks,
	}
}

// SetDefaultMode changes the listen mode assigned to variables seen for the
// first time from now on. Previously-assigned variables are unaffected.
func (a *Arbitrator) SetDefaultMode(mode Source) {
	a.mu.Lock()
	a.defaultMode = mode
	a.mu.Unlock()
}

// SetVariableMode overrides the listen mode for one variable, regardless of
// whether it has been observed before.
func (a *Arbitrator) SetVariableMode(name string, mode Source) {
	a.mu.Lock()
	a.modes[name] = mode
	a.mu.Unlock()
}

// ModeOf returns the currently assigned listen mode for name, or the default
// mode if name has never been observed.
func (a *Arbitrator) ModeOf(name string) Source {
	a.mu.Lock()
	defer a.mu.Unlock()
	if m, ok := a.modes[name]; ok {
		return m
	}
	return a.defaultMode
}

// Arbitrate applies the three-step gate to one observation from source.
// Subscriber callbacks are invoked outside the Arbitrator's lock, so a
// subscriber may legally call back into the client's public API (e.g. Set)
// without deadlocking.
func (a *Arbitrator) Arbitrate(source Source, user, name, value string) {
	if source == Transport && a.clocks != nil {
		a.clocks.TouchTransport()
	}

	a.mu.Lock()
	mode, known := a.modes[name]
	if !known {
		mode = a.defaultMode
		a.modes[name] = mode
	}
	a.mu.Unlock()

	if mode != source {
		return
	}

	a.store.Set(name, value)
	a.subs.Publish(VariableChanged{Source: source, User: user, Name: name, Value: value})
}
