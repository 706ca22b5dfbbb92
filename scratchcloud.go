// Package scratchcloud is the public facade for the Scratch cloud-variable
// client: a thin wrapper that constructs and wires together the
// Source Arbitrator, Fan Coordinator, Change-Log Poller, and Session
// Supervisor, and forwards the caller-facing get/set/subscribe surface to
// them. The core multi-connection coordination logic lives in the
// internal/* packages this wraps.
package scratchcloud

import (
	"context"
	"net/http"

	"github.com/scratchcloud/client/internal/activity"
	"github.com/scratchcloud/client/internal/arbitrate"
	"github.com/scratchcloud/client/internal/changelog"
	"github.com/scratchcloud/client/internal/config"
	"github.com/scratchcloud/client/internal/dashboard"
	"github.com/scratchcloud/client/internal/enginelog"
	"github.com/scratchcloud/client/internal/enginemetrics"
	"github.com/scratchcloud/client/internal/fan"
	"github.com/scratchcloud/client/internal/httpclient"
	"github.com/scratchcloud/client/internal/login"
	"github.com/scratchcloud/client/internal/notify"
	"github.com/scratchcloud/client/internal/supervisor"
	"github.com/scratchcloud/client/internal/transport"
	"github.com/scratchcloud/client/internal/varstore"
)

// Source distinguishes which ingress drives a variable's caller-visible
// updates. Re-exported from internal/arbitrate so callers never import an
// internal package.
type Source = arbitrate.Source

const (
	// Transport selects the real-time fan as the ingress for a variable:
	// low latency, no setter identity.
	Transport = arbitrate.Transport
	// ChangeLog selects the polled audit log as the ingress for a
	// variable: higher latency, setter identity available. Default.
	ChangeLog = arbitrate.ChangeLog
)

// VariableChanged is delivered to subscribers for every accepted event.
type VariableChanged = arbitrate.VariableChanged

// SubscriptionHandle identifies a registered subscriber for later removal.
type SubscriptionHandle = notify.Handle

// Client is one authenticated connection to a Scratch project's cloud
// variables. The zero value is not usable; construct with New.
type Client struct {
	log *enginelog.Logger
	metrics *enginemetrics.Metrics
	store *varstore.Store
	subs *notify.Registry[VariableChanged]
	arb *arbitrate.Arbitrator
	clocks *activity.Clocks
	sv *supervisor.Supervisor
	dash *dashboard.Server
}

// Option configures a Client at construction time.
type Option func(*options)

type options struct {
	cfg *config.Config
	logLevel enginelog.Level
	authOverr login.Authenticator
}

// WithConfig overrides the default configuration.
func WithConfig(cfg *config.Config) Option {
	return func(o *options) { o.cfg = cfg }
}

// WithLogLevel sets the minimum log level (default enginelog.LevelInfo).
func WithLogLevel(level enginelog.Level) Option {
	return func(o *options) { o.logLevel = level }
}

// withAuthenticator overrides the login.Authenticator; unexported because it
// takes an internal type and exists for this module's own tests.
func withAuthenticator(a login.Authenticator) Option {
	return func(o *options) { o.authOverr = a }
}

// New constructs a Client for the given credentials and project.
// connections <= 0 means use the configured default (10). Call Boot to
// authenticate and open the transport fan.
func New(username, password, projectID string, connections int, opts ...Option) *Client {
	o := &options{cfg: config.DefaultConfig(), logLevel: enginelog.LevelInfo}
	for _, apply := range opts {
		apply(o)
	}
	if connections > 0 {
		o.cfg.Connections = connections
	}

	log := enginelog.New(o.logLevel)
	metrics := enginemetrics.New()
	store := varstore.New()
	subs := notify.NewRegistry[VariableChanged]()
	clocks := activity.New()
	arb := arbitrate.New(store, subs, clocks)

	client, err := httpclient.New(o.cfg.RequestTimeout)
	if err != nil {
		// httpclient.New only fails on cookiejar construction, which uses
		// nil options and cannot fail; a non-nil err here is unreachable
		// in practice but would otherwise panic deep inside net/http.
		log.Errorf("scratchcloud: http client construction failed, falling back to http.DefaultClient: %v", err)
		client = http.DefaultClient
	}

	auth := o.authOverr
	if auth == nil {
		auth = login.New(client)
	}

	svCfg := supervisor.Config{
		Fan: fan.Config{
			Connections: o.cfg.Connections,
			ConnectConcurrency: o.cfg.ConnectConcurrency,
			ListenWindow: o.cfg.ListenWindow,
			WindowPollInterval: o.cfg.WindowPollInterval,
			WaitForUploadPollInterval: o.cfg.WaitForUploadPollInterval,
			Session: transport.Config{
				ConnectTimeout: o.cfg.ConnectTimeout,
				HandshakeTimeout: o.cfg.HandshakeTimeout,
				MaxConnectAttempts: o.cfg.MaxConnectAttempts,
				UploadWaitTime: o.cfg.UploadWaitTime,
				PacerInterval: o.cfg.PacerInterval,
			},
		},
		Changelog: changelog.Config{
			UpdateInterval: o.cfg.LogUpdateInterval,
			IdleTimeout: o.cfg.LogIdleTimeout,
			FetchLimit: o.cfg.LogFetchLimit,
			RequestTimeout: o.cfg.RequestTimeout,
			Endpoint: o.cfg.ChangelogEndpoint,
		},
		LoginMaxAttempts: o.cfg.LoginMaxAttempts,
		RequestTimeout: o.cfg.RequestTimeout,
		IdleReconnectTimeout: o.cfg.IdleReconnectTimeout,
		IdleWatchdogInterval: o.cfg.WindowPollInterval * 4,
	}

	sv := supervisor.New(svCfg, username, password, projectID, auth, client, log, metrics, arb, clocks)

	c := &Client{
		log: log,
		metrics: metrics,
		store: store,
		subs: subs,
		arb: arb,
		clocks: clocks,
		sv: sv,
	}

	if o.cfg.DashboardAddr != "" {
		c.dash = dashboard.New(store, metrics, subs, log)
		go func() {
			if err := c.dash.ListenAndServe(o.cfg.DashboardAddr); err != nil {
				log.Errorf("scratchcloud: dashboard server: %v", err)
			}
		}()
	}

	return c
}

// Boot authenticates and opens the real-time transport fan and change-log
// poller. Must be called before any other method except construction.
func (c *Client) Boot(ctx context.Context) error {
	return c.sv.Boot(ctx)
}

// Shutdown stops all background activity and closes every transport
// session. Safe to call once after Boot, even if Boot failed.
func (c *Client) Shutdown() {
	c.sv.Shutdown()
}

// LoginSuccessful reports whether the client is currently authenticated.
func (c *Client) LoginSuccessful() bool { return c.sv.LoginSuccessful() }

// Connected reports whether the current transport fan is fully connected.
func (c *Client) Connected() bool { return c.sv.Connected() }

// GetVariable returns the current value of name, or "" if it has never been
// observed (with a diagnostic logged to stderr).
func (c *Client) GetVariable(name string) string {
	return c.store.Get(name)
}

// SetVariable enqueues an outbound set for name and mirrors the new value
// into the local store immediately (optimistic write). Per the "last
// writer wins locally" design note, a racing inbound accepted event may
// overwrite this value in the store before the wire send completes; this
// is intentional, caller-observable behavior.
func (c *Client) SetVariable(name, value string) {
	c.store.Set(name, value)
	c.sv.Set(name, value)
}

// WaitForUpload blocks until every transport session's outbound queue is
// empty.
func (c *Client) WaitForUpload(ctx context.Context) error {
	return c.sv.WaitForUpload(ctx)
}

// SetListenMode changes the default ingress source assigned to
// variables observed for the first time from now on.
func (c *Client) SetListenMode(mode Source) {
	c.arb.SetDefaultMode(mode)
}

// SetVariableListenMode overrides the ingress source for one variable.
func (c *Client) SetVariableListenMode(name string, mode Source) {
	c.arb.SetVariableMode(name, mode)
}

// OnVariableSet registers fn to be invoked once per accepted VariableChanged
// event. Returns a handle for Unsubscribe. fn may safely call GetVariable or
// SetVariable on this same Client.
func (c *Client) OnVariableSet(fn func(VariableChanged)) SubscriptionHandle {
	return c.subs.Subscribe(fn)
}

// Unsubscribe removes a previously registered subscriber.
func (c *Client) Unsubscribe(h SubscriptionHandle) {
	c.subs.Unsubscribe(h)
}

// Metrics returns a point-in-time snapshot of the client's internal
// counters, for diagnostics.
func (c *Client) Metrics() enginemetrics.Snapshot {
	return c.metrics.Snapshot()
}

// SetterIdentity returns evt.User and true when evt carries meaningful
// setter identity: only ChangeLog-sourced events carry one, since
// Transport gives no attribution.
func SetterIdentity(evt VariableChanged) (user string, ok bool) {
	if evt.Source != ChangeLog {
		return "", false
	}
	return evt.User, true
}
