// Package supervisor implements the Session Supervisor: boot
// (login, build fan, start poller), an idle watchdog that triggers a full
// re-login-and-rebuild when both activity clocks go stale, and graceful
// shutdown.
//
// The watchdog's ticker + stopCh + sync.Once shape is grounded on
// token/refresh.go's StartAutoRefresh: a background goroutine polling a
// condition on every tick and reacting only when the condition holds.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/scratchcloud/client/internal/activity"
	"github.com/scratchcloud/client/internal/arbitrate"
	"github.com/scratchcloud/client/internal/changelog"
	"github.com/scratchcloud/client/internal/enginelog"
	"github.com/scratchcloud/client/internal/enginemetrics"
	"github.com/scratchcloud/client/internal/fan"
	"github.com/scratchcloud/client/internal/login"
)

// Config groups every timing knob the Supervisor and the components it
// builds need.
type Config struct {
	Fan fan.Config
	Changelog changelog.Config
	LoginMaxAttempts int
	RequestTimeout time.Duration
	IdleReconnectTimeout time.Duration
	IdleWatchdogInterval time.Duration
}

// Supervisor owns the client's top-level lifecycle. The zero value is not
// usable; construct with New.
type Supervisor struct {
	cfg Config
	username, password, projectID string

	auth login.Authenticator
	client *http.Client
	log *enginelog.Logger
	metrics *enginemetrics.Metrics
	arb *arbitrate.Arbitrator
	clocks *activity.Clocks

	mu sync.RWMutex
	sessionID string
	authToken string
	coordinator *fan.Coordinator
	poller *changelog.Poller

	loginMu sync.RWMutex
	loginSet bool

	stopCh chan struct{}
	stopOnce sync.Once
	wg sync.WaitGroup
}

// New creates an unbooted Supervisor.
func New(cfg Config, username, password, projectID string, auth login.Authenticator, client *http.Client, log *enginelog.Logger, metrics *enginemetrics.Metrics, arb *arbitrate.Arbitrator, clocks *activity.Clocks) *Supervisor {
	return &Supervisor{
		cfg: cfg,
		username: username,
		password: password,
		projectID: projectID,
		auth: auth,
		client: client,
		log: log,
		metrics: metrics,
		arb: arb,
		clocks: clocks,
		stopCh: make(chan struct{}),
	}
}

// LoginSuccessful reports whether the most recent login attempt (boot or
// idle-triggered reconnect) succeeded and no subsequent terminal failure has
// occurred.
func (sv *Supervisor) LoginSuccessful() bool {
	sv.loginMu.RLock()
	defer sv.loginMu.RUnlock()
	return sv.loginSet
}

func (sv *Supervisor) setLoginSuccessful(ok bool) {
	sv.loginMu.Lock()
	sv.loginSet = ok
	sv.loginMu.Unlock()
}

// Connected reports whether the current fan's sessions are all connected.
// False before Boot completes or while a rebuild is in progress.
func (sv *Supervisor) Connected() bool {
	sv.mu.RLock()
	c := sv.coordinator
	sv.mu.RUnlock()
	return c != nil && c.Connected()
}

// Set forwards to the current Coordinator, or is a no-op if the fan has not
// been built yet (e.g. mid-rebuild).
func (sv *Supervisor) Set(name, value string) {
	sv.mu.RLock()
	c := sv.coordinator
	sv.mu.RUnlock()
	if c != nil {
		c.Set(name, value)
	}
}

// WaitForUpload forwards to the current Coordinator.
func (sv *Supervisor) WaitForUpload(ctx context.Context) error {
	sv.mu.RLock()
	c := sv.coordinator
	sv.mu.RUnlock()
	if c == nil {
		return fmt.Errorf("supervisor: fan not built yet")
	}
	return c.WaitForUpload(ctx)
}

// Boot performs the full startup sequence: login, build fan, start poller,
// launch the idle watchdog. Returns a terminal error only for
// login.ErrBadCredentials; any other boot failure is also returned since
// there is no fan to run without one.
func (sv *Supervisor) Boot(ctx context.Context) error {
	res, err := sv.loginCapped(ctx)
	if err != nil {
		sv.setLoginSuccessful(false)
		return err
	}

	sv.mu.Lock()
	sv.sessionID = res.SessionID
	sv.authToken = res.AuthToken
	sv.mu.Unlock()
	sv.setLoginSuccessful(true)

	if err := sv.buildFan(ctx); err != nil {
		return fmt.Errorf("supervisor: boot: %w", err)
	}

	sv.wg.Add(1)
	go sv.watchdog(ctx)
	return nil
}

// Shutdown signals the watchdog to stop, waits for it, then stops the
// poller and closes every transport session.
func (sv *Supervisor) Shutdown() {
	sv.stopOnce.Do(func() { close(sv.stopCh) })
	sv.wg.Wait()

	sv.mu.RLock()
	coord, poller := sv.coordinator, sv.poller
	sv.mu.RUnlock()

	if poller != nil {
		poller.Stop()
	}
	if coord != nil {
		coord.Close()
	}
}

// loginCapped retries login.Login up to cfg.LoginMaxAttempts times, linearly
// (no backoff growth). ErrBadCredentials is returned immediately without
// consuming further attempts.
func (sv *Supervisor) loginCapped(ctx context.Context) (login.Result, error) {
	for attempt := 0; attempt < sv.cfg.LoginMaxAttempts; attempt++ {
		res, err := sv.auth.Login(ctx, sv.username, sv.password)
		if err == nil {
			return res, nil
		}
		if errors.Is(err, login.ErrBadCredentials) {
			return login.Result{}, err
		}
		sv.log.Errorf("supervisor: login attempt %d/%d failed: %v", attempt+1, sv.cfg.LoginMaxAttempts, err)
	}
	return login.Result{}, fmt.Errorf("supervisor: exceeded %d login attempts", sv.cfg.LoginMaxAttempts)
}

// loginUntilSuccess retries login.Login indefinitely, still bailing out
// immediately on ErrBadCredentials since credential rejection is terminal
// everywhere. Observes stopCh so Shutdown can interrupt a stuck reconnect.
func (sv *Supervisor) loginUntilSuccess(ctx context.Context) (login.Result, error) {
	for {
		select {
		case <-sv.stopCh:
			return login.Result{}, context.Canceled
		default:
		}

		res, err := sv.auth.Login(ctx, sv.username, sv.password)
		if err == nil {
			return res, nil
		}
		if errors.Is(err, login.ErrBadCredentials) {
			return login.Result{}, err
		}
		sv.log.Errorf("supervisor: idle reconnect login failed, retrying: %v", err)

		select {
		case <-sv.stopCh:
			return login.Result{}, context.Canceled
		case <-time.After(sv.cfg.RequestTimeout):
		}
	}
}

// buildFan constructs a fresh Coordinator and Poller against the
// Supervisor's current sessionID, starts both, and installs them.
func (sv *Supervisor) buildFan(ctx context.Context) error {
	sv.mu.RLock()
	sessionID := sv.sessionID
	sv.mu.RUnlock()

	coord := fan.New(sv.cfg.Fan, sv.username, sessionID, sv.projectID, sv.log, sv.metrics, sv.arb, sv.clocks)
	if err := coord.Build(ctx); err != nil {
		return fmt.Errorf("build fan: %w", err)
	}

	poller := changelog.New(sv.cfg.Changelog, sv.projectID, sv.client, sv.log, sv.metrics, sv.arb, sv.clocks)
	if err := poller.Start(ctx); err != nil {
		coord.Close()
		return fmt.Errorf("start poller: %w", err)
	}

	sv.mu.Lock()
	sv.coordinator = coord
	sv.poller = poller
	sv.mu.Unlock()
	return nil
}

// watchdog wakes every cfg.IdleWatchdogInterval and triggers a full
// reconnect once both activity clocks exceed cfg.IdleReconnectTimeout.
func (sv *Supervisor) watchdog(ctx context.Context) {
	defer sv.wg.Done()

	ticker := time.NewTicker(sv.cfg.IdleWatchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sv.stopCh:
			return
		case <-ticker.C:
			if sv.clocks.TransportIdleFor() >= sv.cfg.IdleReconnectTimeout &&
				sv.clocks.UploadIdleFor() >= sv.cfg.IdleReconnectTimeout {
				sv.reconnect(ctx)
			}
		}
	}
}

// reconnect implements the idle-triggered recovery: re-login
// until success, tear down the old fan, rebuild from scratch until every
// session connects. The caller's subscriber registration lives on the
// Arbitrator, which is never replaced, so it survives this unchanged.
func (sv *Supervisor) reconnect(ctx context.Context) {
	sv.log.Infof("supervisor: idle reconnect triggered")

	res, err := sv.loginUntilSuccess(ctx)
	if err != nil {
		sv.log.Errorf("supervisor: idle reconnect aborted: %v", err)
		sv.setLoginSuccessful(false)
		return
	}

	sv.mu.Lock()
	sv.sessionID = res.SessionID
	sv.authToken = res.AuthToken
	oldCoord, oldPoller := sv.coordinator, sv.poller
	sv.mu.Unlock()

	if oldPoller != nil {
		oldPoller.Stop()
	}
	if oldCoord != nil {
		oldCoord.Close()
	}

	for {
		select {
		case <-sv.stopCh:
			return
		default:
		}
		if err := sv.buildFan(ctx); err == nil {
			break
		} else {
			sv.log.Errorf("supervisor: idle reconnect rebuild failed, retrying: %v", err)
		}
	}

	sv.metrics.Reconnects.Add(1)
	sv.log.Infof("supervisor: idle reconnect complete")
}
