package changelog

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/scratchcloud/client/internal/activity"
	"github.com/scratchcloud/client/internal/arbitrate"
	"github.com/scratchcloud/client/internal/enginelog"
	"github.com/scratchcloud/client/internal/enginemetrics"
	"github.com/scratchcloud/client/internal/notify"
	"github.com/scratchcloud/client/internal/varstore"
)

func newTestPoller(t *testing.T, body string) (*Poller, *arbitrate.Arbitrator, *varstore.Store) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)

	store := varstore.New()
	subs := notify.NewRegistry[arbitrate.VariableChanged]()
	clocks := activity.New()
	arb := arbitrate.New(store, subs, clocks)
	arb.SetDefaultMode(arbitrate.ChangeLog)

	cfg := Config{
		UpdateInterval: 5 * time.Millisecond,
		IdleTimeout:    time.Hour,
		FetchLimit:     25,
		RequestTimeout: time.Second,
	}
	p := New(cfg, "123", srv.Client(), enginelog.New(enginelog.LevelError), enginemetrics.New(), arb, clocks)
	p.endpoint = srv.URL
	return p, arb, store
}

func TestStartDiscardsInitialBatch(t *testing.T) {
	p, _, store := newTestPoller(t, `[{"user":"alice","verb":"set_var","name":"score","value":10,"timestamp":100}]`)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop()

	if got := store.Get("score"); got != "" {
		t.Fatalf("store.Get(score) = %q, want empty after discard-only initial fetch", got)
	}
	if p.Watermark() != 100 {
		t.Fatalf("Watermark() = %d, want 100", p.Watermark())
	}
}

func TestPollOnceAppliesNewRecordsOnly(t *testing.T) {
	var served atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if served.Add(1) == 1 {
			w.Write([]byte(`[{"user":"alice","verb":"set_var","name":"score","value":10,"timestamp":100}]`))
			return
		}
		w.Write([]byte(`[{"user":"alice","verb":"set_var","name":"score","value":20,"timestamp":200},{"user":"alice","verb":"set_var","name":"score","value":10,"timestamp":100}]`))
	}))
	defer srv.Close()

	store := varstore.New()
	subs := notify.NewRegistry[arbitrate.VariableChanged]()
	clocks := activity.New()
	arb := arbitrate.New(store, subs, clocks)
	arb.SetDefaultMode(arbitrate.ChangeLog)

	cfg := Config{UpdateInterval: time.Hour, IdleTimeout: time.Hour, FetchLimit: 25, RequestTimeout: time.Second}
	p := New(cfg, "123", srv.Client(), enginelog.New(enginelog.LevelError), enginemetrics.New(), arb, clocks)
	p.endpoint = srv.URL

	if _, err := p.fetch(context.Background()); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	p.advanceWatermark([]record{{Timestamp: 100}})

	p.pollOnce(context.Background())

	if got := store.Get("score"); got != "20" {
		t.Fatalf("store.Get(score) = %q, want %q", got, "20")
	}
}

func TestFilterNewDropsUnknownVerbs(t *testing.T) {
	p, _, _ := newTestPoller(t, `[]`)
	batch := []record{
		{Verb: "set_var", Name: "a", Timestamp: 10},
		{Verb: "made_up_verb", Name: "b", Timestamp: 20},
	}
	out := p.filterNew(batch)
	if len(out) != 1 || out[0].Name != "a" {
		t.Fatalf("filterNew = %+v, want only the set_var record", out)
	}
}

func TestAdvanceWatermarkNeverDecreases(t *testing.T) {
	p, _, _ := newTestPoller(t, `[]`)
	p.advanceWatermark([]record{{Timestamp: 500}})
	if p.Watermark() != 500 {
		t.Fatalf("Watermark() = %d, want 500", p.Watermark())
	}
	p.advanceWatermark([]record{{Timestamp: 100}})
	if p.Watermark() != 500 {
		t.Fatalf("Watermark() = %d, want unchanged at 500", p.Watermark())
	}
}
