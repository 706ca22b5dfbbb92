// Package changelog implements the Change-Log Poller: it
// periodically fetches the server-side audit log, filters to records newer
// than its watermark, and forwards them to the Source Arbitrator carrying
// setter identity.
package changelog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"sync/atomic"
	"time"

	"github.com/scratchcloud/client/internal/activity"
	"github.com/scratchcloud/client/internal/arbitrate"
	"github.com/scratchcloud/client/internal/enginelog"
	"github.com/scratchcloud/client/internal/enginemetrics"
	"github.com/scratchcloud/client/internal/schemacheck"
	"github.com/scratchcloud/client/internal/wire"
)

// Endpoint is the fixed change-log HTTP endpoint.
const Endpoint = "https://clouddata.scratch.mit.edu/logs"

// verb enumerates the known change-log record verbs. Modelled
// as an immutable lookup table initialised once at process start rather
// than a global mutable map, per the "Global mutable RECORD_TYPES"
// design note.
type verb string

const (
	verbCreate verb = "create_var"
	verbDelete verb = "del_var"
	verbRename verb = "rename_var"
	verbSet verb = "set_var"
)

var knownVerbs = map[verb]bool{
	verbCreate: true,
	verbDelete: true,
	verbRename: true,
	verbSet: true,
}

// Config groups the Poller's timing knobs.
type Config struct {
	UpdateInterval time.Duration
	IdleTimeout time.Duration
	FetchLimit int
	RequestTimeout time.Duration

	// Endpoint overrides Endpoint when non-empty. Exported so callers
	// outside this package (the Session Supervisor's tests) can redirect
	// the poller without reaching into an unexported field.
	Endpoint string
}

// record is the wire shape of one change-log entry.
type record struct {
	User string `json:"user"`
	Verb string `json:"verb"`
	Name string `json:"name"`
	Value json.RawMessage `json:"value"`
	Timestamp int64 `json:"timestamp"`
}

// Poller owns the background fetch loop. The zero value is not usable;
// construct with New.
type Poller struct {
	cfg Config
	projectID string
	client *http.Client

	log *enginelog.Logger
	metrics *enginemetrics.Metrics
	arb *arbitrate.Arbitrator
	clocks *activity.Clocks
	schema *schemacheck.Validator

	watermark atomic.Int64

	// endpoint overrides Endpoint when set, seeded from cfg.Endpoint.
	endpoint string

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a Poller. Call Start to begin fetching.
func New(cfg Config, projectID string, client *http.Client, log *enginelog.Logger, metrics *enginemetrics.Metrics, arb *arbitrate.Arbitrator, clocks *activity.Clocks) *Poller {
	return &Poller{
		cfg: cfg,
		projectID: projectID,
		client: client,
		log: log,
		metrics: metrics,
		arb: arb,
		clocks: clocks,
		schema: schemacheck.New(),
		endpoint: cfg.Endpoint,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Watermark returns the current watermark, the maximum change-log record
// timestamp already forwarded.
func (p *Poller) Watermark() int64 { return p.watermark.Load() }

// Start performs the initial discard-only fetch and then launches the background poll loop.
func (p *Poller) Start(ctx context.Context) error {
	batch, err := p.fetch(ctx)
	if err != nil {
		return fmt.Errorf("changelog: initial fetch: %w", err)
	}
	p.advanceWatermark(batch)

	go p.loop(ctx)
	return nil
}

// Stop signals the poll loop to exit and waits for it to do so.
func (p *Poller) Stop() {
	close(p.stopCh)
	<-p.doneCh
}

func (p *Poller) loop(ctx context.Context) {
	defer close(p.doneCh)

	ticker := time.NewTicker(p.cfg.UpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			if p.clocks.TransportIdleFor() >= p.cfg.IdleTimeout {
				continue
			}
			p.pollOnce(ctx)
		}
	}
}

func (p *Poller) pollOnce(ctx context.Context) {
	batch, err := p.fetch(ctx)
	if err != nil {
		p.log.Errorf("changelog: fetch: %v", err)
		return
	}

	accepted := p.filterNew(batch)
	p.advanceWatermark(batch)

	// Emission order: oldest-first within the accepted slice, but the
	// underlying batch arrives newest-first, so reverse it.
	for i, j := 0, len(accepted)-1; i < j; i, j = i+1, j-1 {
		accepted[i], accepted[j] = accepted[j], accepted[i]
	}

	for _, rec := range accepted {
		value, err := wire.NormalizeValue(rec.Value)
		if err != nil {
			p.log.Errorf("changelog: record %q: %v", rec.Name, err)
			continue
		}
		p.metrics.ChangeLogApplied.Add(1)
		p.arb.Arbitrate(arbitrate.ChangeLog, rec.User, wire.StripMarker(rec.Name), value)
	}
}

// filterNew returns the subset of batch with a known verb and timestamp
// strictly greater than the watermark in effect when fetch was called.
// Unknown verbs are logged and dropped.
func (p *Poller) filterNew(batch []record) []record {
	wm := p.watermark.Load()
	out := make([]record, 0, len(batch))
	for _, rec := range batch {
		if !knownVerbs[verb(rec.Verb)] {
			p.log.Errorf("changelog: unknown verb %q for %q, ignoring record", rec.Verb, rec.Name)
			continue
		}
		if rec.Timestamp > wm {
			out = append(out, rec)
		}
	}
	return out
}

// advanceWatermark sets the watermark to the maximum timestamp seen in
// batch, never decreasing it.
func (p *Poller) advanceWatermark(batch []record) {
	max := p.watermark.Load()
	for _, rec := range batch {
		if rec.Timestamp > max {
			max = rec.Timestamp
		}
	}
	p.watermark.Store(max)
}

// fetch performs one GET against the change-log endpoint and decodes the
// response as an array of records, newest-first as the server returns them.
func (p *Poller) fetch(ctx context.Context) ([]record, error) {
	reqCtx, cancel := context.WithTimeout(ctx, p.cfg.RequestTimeout)
	defer cancel()

	q := url.Values{}
	q.Set("projectid", p.projectID)
	q.Set("limit", fmt.Sprintf("%d", p.cfg.FetchLimit))
	q.Set("offset", "0")

	endpoint := Endpoint
	if p.endpoint != "" {
		endpoint = p.endpoint
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if mismatches, err := p.schema.Validate(raw); err != nil {
		p.log.Errorf("changelog: schema check: %v", err)
	} else {
		for _, m := range mismatches {
			p.log.Errorf("changelog: %s", m)
		}
	}

	var batch []record
	if err := json.Unmarshal(raw, &batch); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	sort.SliceStable(batch, func(i, j int) bool { return batch[i].Timestamp > batch[j].Timestamp })
	return batch, nil
}
