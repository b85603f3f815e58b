//go:build !windows

package channel

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"vergecore/internal/shared/corestate"
)

// newTestEngine serves an HTTP handler over a unix socket, the same framing
// the real engine controller uses.
func newTestEngine(t *testing.T, handler http.Handler) string {
	t.Helper()
	sock := filepath.Join(t.TempDir(), "e.sock")
	ln, err := net.Listen("unix", sock)
	if err != nil {
		t.Fatalf("failed to listen on unix socket: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Close() })
	return sock
}

func newTestClient(t *testing.T, handler http.Handler) (*Client, *corestate.Tracker) {
	t.Helper()
	corestate.ResetForTest()
	t.Cleanup(corestate.ResetForTest)
	tracker := &corestate.Tracker{}
	return New(newTestEngine(t, handler), tracker), tracker
}

func TestRequestReturnsParsedBody(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"version":"1.18.0"}`))
	}))

	status, body, err := client.Request(context.Background(), http.MethodGet, "/version", nil)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	if status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}
	var out map[string]string
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("body is not JSON: %v", err)
	}
	if out["version"] != "1.18.0" {
		t.Fatalf("version = %q, want 1.18.0", out["version"])
	}
}

func TestNoContentMapsToSentinel(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	status, body, err := client.Request(context.Background(), http.MethodPatch, "/configs", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	if status != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", status)
	}
	var out map[string]int
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("sentinel is not JSON: %v", err)
	}
	if out["code"] != 204 {
		t.Fatalf("sentinel code = %d, want 204", out["code"])
	}
}

func TestErrorStatusReturnsBodyUnchanged(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"message":"no such proxy"}`))
	}))

	status, body, err := client.Request(context.Background(), http.MethodGet, "/proxies/none", nil)
	if err != nil {
		t.Fatalf("4xx must not be an error at the client layer, got %v", err)
	}
	if status != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", status)
	}
	if string(body) != `{"message":"no such proxy"}` {
		t.Fatalf("body = %s, want passthrough", body)
	}
}

func TestNonGETRejectedWhileBreakerOpen(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))

	if !corestate.TripCircuit() {
		t.Fatal("failed to trip circuit")
	}
	_, _, err := client.Request(context.Background(), http.MethodPut, "/configs", json.RawMessage(`{}`))
	if err != corestate.ErrCoreDown {
		t.Fatalf("err = %v, want ErrCoreDown", err)
	}
}

func TestGETAllowedWhileOpenIfHealthy(t *testing.T) {
	client, tracker := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	tracker.RecordSuccess()

	if !corestate.TripCircuit() {
		t.Fatal("failed to trip circuit")
	}
	if _, _, err := client.Request(context.Background(), http.MethodGet, "/version", nil); err != nil {
		t.Fatalf("healthy GET through open breaker failed: %v", err)
	}
}

func TestUnsupportedMethodRejected(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	if _, _, err := client.Request(context.Background(), "HEAD", "/version", nil); err == nil {
		t.Fatal("HEAD must be rejected")
	}
}

func TestProbeBypassesBreakerGate(t *testing.T) {
	var hits atomic.Int64
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte(`{"version":"x"}`))
	}))

	corestate.TripCircuit()
	if err := client.Probe(context.Background(), 2*time.Second); err != nil {
		t.Fatalf("Probe failed: %v", err)
	}
	if hits.Load() == 0 {
		t.Fatal("probe never reached the engine")
	}
}

func TestTransportErrorSurfacesAndUpdatesTracker(t *testing.T) {
	corestate.ResetForTest()
	t.Cleanup(corestate.ResetForTest)
	tracker := &corestate.Tracker{}

	// A socket file with no listener behind it refuses connections.
	sock := filepath.Join(t.TempDir(), "dead.sock")
	ln, err := net.Listen("unix", sock)
	if err != nil {
		t.Fatalf("failed to listen on unix socket: %v", err)
	}
	ln.(*net.UnixListener).SetUnlinkOnClose(false)
	ln.Close()

	client := New(sock, tracker)

	if _, _, err := client.Request(context.Background(), http.MethodGet, "/version", nil); err == nil {
		t.Fatal("expected a transport error for a dead socket")
	}
	snap := tracker.Snapshot()
	if snap.FailedRequests == 0 {
		t.Fatal("tracker did not observe the failure")
	}
	// Connection refused against a missing socket is critical: the
	// breaker must have opened on the spot.
	if corestate.Circuit() == corestate.CircuitClosed {
		t.Fatalf("circuit still closed after critical transport error")
	}
}

func TestEveryAttemptDrawsARateToken(t *testing.T) {
	corestate.ResetForTest()
	t.Cleanup(corestate.ResetForTest)
	tracker := &corestate.Tracker{}
	// A missing socket fails each attempt fast without tripping the
	// breaker (ENOENT classifies as neither critical nor transient).
	client := New(filepath.Join(t.TempDir(), "missing.sock"), tracker)

	// Exactly enough budget for one full retry cycle, with no refill
	// within the test window.
	client.limiter = rate.NewLimiter(rate.Every(time.Hour), retryCount+1)

	if _, _, err := client.Request(context.Background(), http.MethodGet, "/version", nil); err == nil {
		t.Fatal("expected a transport error")
	}
	snap := tracker.Snapshot()
	if got := int(snap.FailedRequests); got != retryCount+1 {
		t.Fatalf("attempts = %d, want %d", got, retryCount+1)
	}
	if client.limiter.Allow() {
		t.Fatal("retries did not draw from the rate budget")
	}
}
