package dashboard

import (
	"bufio"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/scratchcloud/client/internal/arbitrate"
	"github.com/scratchcloud/client/internal/enginelog"
	"github.com/scratchcloud/client/internal/enginemetrics"
	"github.com/scratchcloud/client/internal/notify"
	"github.com/scratchcloud/client/internal/varstore"
)

func newTestServer(t *testing.T) (*Server, *notify.Registry[arbitrate.VariableChanged], *httptest.Server) {
	t.Helper()
	store := varstore.New()
	metrics := enginemetrics.New()
	subs := notify.NewRegistry[arbitrate.VariableChanged]()
	s := New(store, metrics, subs, enginelog.New(enginelog.LevelError))
	httpSrv := httptest.NewServer(s.mux)
	t.Cleanup(httpSrv.Close)
	return s, subs, httpSrv
}

func TestHandleVariablesReturnsStoreSnapshot(t *testing.T) {
	s, _, httpSrv := newTestServer(t)
	s.store.Set("score", "42")

	resp, err := http.Get(httpSrv.URL + "/api/variables")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	var snap map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap["score"] != "42" {
		t.Fatalf("snapshot[score] = %q, want %q", snap["score"], "42")
	}
}

func TestHandleVariablesStreamDeliversBroadcastEvent(t *testing.T) {
	_, subs, httpSrv := newTestServer(t)

	resp, err := http.Get(httpSrv.URL + "/api/variables/stream")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	// Give handleVariablesStream time to register its subscriber channel
	// before the publish.
	time.Sleep(20 * time.Millisecond)
	subs.Publish(arbitrate.VariableChanged{Name: "score", Value: "7", Source: arbitrate.Transport})

	reader := bufio.NewReader(resp.Body)
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("ReadString: %v", err)
		}
		if strings.HasPrefix(line, "data: ") {
			if strings.Contains(line, `"score"`) && strings.Contains(line, `"7"`) {
				return
			}
		}
	}
	t.Fatal("did not see the broadcast event on the SSE stream before the deadline")
}

func TestHandleMetricsStreamEmitsSnapshots(t *testing.T) {
	_, _, httpSrv := newTestServer(t)

	resp, err := http.Get(httpSrv.URL + "/api/metrics/stream")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("ReadString: %v", err)
		}
		if strings.HasPrefix(line, "data: ") {
			return
		}
	}
	t.Fatal("did not see a metrics snapshot on the SSE stream before the deadline")
}

func TestWithCORSHandlesPreflight(t *testing.T) {
	_, _, httpSrv := newTestServer(t)

	req, err := http.NewRequest(http.MethodOptions, httpSrv.URL+"/api/variables", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusNoContent)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("Access-Control-Allow-Origin = %q, want %q", got, "*")
	}
}
