//go:build !windows

package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"gopkg.in/yaml.v3"

	"vergecore/internal/channel"
	"vergecore/internal/shared/config"
	"vergecore/internal/shared/corestate"
	"vergecore/internal/shared/types"
	"vergecore/internal/store"
)

type recordedCall struct {
	Method string
	Path   string
	Body   []byte
}

// fakeController plays the engine's external controller over a unix socket
// and records every request it receives.
type fakeController struct {
	mu      sync.Mutex
	calls   []recordedCall
	handler func(w http.ResponseWriter, r *http.Request)
}

func (f *fakeController) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.calls = append(f.calls, recordedCall{Method: r.Method, Path: r.URL.Path, Body: body})
	f.mu.Unlock()
	if f.handler != nil {
		f.handler(w, r)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (f *fakeController) callsTo(path string) []recordedCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []recordedCall
	for _, c := range f.calls {
		if c.Path == path {
			out = append(out, c)
		}
	}
	return out
}

type recordingHub struct {
	mu     sync.Mutex
	events []string
}

func (h *recordingHub) Notify(event string, _ interface{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, event)
}

func (h *recordingHub) count(event string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, e := range h.events {
		if e == event {
			n++
		}
	}
	return n
}

type testRig struct {
	pipeline   *Pipeline
	store      *store.Store
	controller *fakeController
	hub        *recordingHub
	homeDir    string
	engine     string
}

func newTestRig(t *testing.T, engineScript string) *testRig {
	t.Helper()
	corestate.ResetForTest()
	t.Cleanup(corestate.ResetForTest)

	homeDir := t.TempDir()
	if err := config.EnsureLayout(homeDir); err != nil {
		t.Fatalf("EnsureLayout failed: %v", err)
	}
	st, err := store.Open(homeDir)
	if err != nil {
		t.Fatalf("store.Open failed: %v", err)
	}

	ctrl := &fakeController{}
	sock := filepath.Join(homeDir, "ctl.sock")
	ln, err := net.Listen("unix", sock)
	if err != nil {
		t.Fatalf("failed to listen on unix socket: %v", err)
	}
	srv := &http.Server{Handler: ctrl}
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Close() })

	engine := filepath.Join(homeDir, "engine")
	if err := os.WriteFile(engine, []byte("#!/bin/sh\n"+engineScript+"\n"), 0o755); err != nil {
		t.Fatalf("failed to write fake engine: %v", err)
	}

	hub := &recordingHub{}
	cfg := &types.Config{}
	cfg.AppConf.HomeDir = homeDir
	client := channel.New(sock, &corestate.Tracker{})
	p := New(cfg, st, client, hub, func() string { return engine }, nil)
	return &testRig{pipeline: p, store: st, controller: ctrl, hub: hub, homeDir: homeDir, engine: engine}
}

func (r *testRig) addCurrentProfile(t *testing.T, body string) *types.Profile {
	t.Helper()
	p, err := r.store.CreateLocal("base", types.KindLocal, []byte(body))
	if err != nil {
		t.Fatalf("CreateLocal failed: %v", err)
	}
	if err := r.store.SetCurrent(p.UID); err != nil {
		t.Fatalf("SetCurrent failed: %v", err)
	}
	return p
}

const baseYAML = "mixed-port: 7897\nmode: rule\nlog-level: info\n"

func TestGenerateRunSwapsAndLoads(t *testing.T) {
	rig := newTestRig(t, "exit 0")
	rig.addCurrentProfile(t, baseYAML)

	if err := rig.pipeline.Generate(context.Background(), Run); err != nil {
		t.Fatalf("Generate(Run) failed: %v", err)
	}

	data, err := os.ReadFile(rig.pipeline.RuntimePath())
	if err != nil {
		t.Fatalf("runtime file missing: %v", err)
	}
	doc := make(map[string]interface{})
	if err := yaml.Unmarshal(data, &doc); err != nil {
		t.Fatalf("runtime file is not YAML: %v", err)
	}
	if doc["mixed-port"] != 7897 {
		t.Fatalf("runtime mixed-port = %v, want 7897", doc["mixed-port"])
	}

	puts := rig.controller.callsTo("/configs")
	if len(puts) != 1 || puts[0].Method != http.MethodPut {
		t.Fatalf("expected one PUT /configs, got %+v", puts)
	}
	var req map[string]string
	if err := json.Unmarshal(puts[0].Body, &req); err != nil {
		t.Fatalf("PUT body is not JSON: %v", err)
	}
	if req["path"] != rig.pipeline.RuntimePath() {
		t.Fatalf("engine told to load %q, want %q", req["path"], rig.pipeline.RuntimePath())
	}
}

func TestGenerateIsDeterministic(t *testing.T) {
	rig := newTestRig(t, "exit 0")
	rig.addCurrentProfile(t, baseYAML)

	if err := rig.pipeline.Generate(context.Background(), Run); err != nil {
		t.Fatalf("first Generate failed: %v", err)
	}
	first, _ := os.ReadFile(rig.pipeline.RuntimePath())

	if err := rig.pipeline.Generate(context.Background(), Run); err != nil {
		t.Fatalf("second Generate failed: %v", err)
	}
	second, _ := os.ReadFile(rig.pipeline.RuntimePath())

	if !bytes.Equal(first, second) {
		t.Fatal("two runs over unchanged inputs produced different runtime bytes")
	}
}

func TestGenerateRejectedCandidateNeverTouchesRuntime(t *testing.T) {
	rig := newTestRig(t, `echo "Parse config error" >&2; exit 1`)
	rig.addCurrentProfile(t, baseYAML)

	sentinel := []byte("previous runtime content\n")
	if err := os.WriteFile(rig.pipeline.RuntimePath(), sentinel, 0o644); err != nil {
		t.Fatal(err)
	}

	if err := rig.pipeline.Generate(context.Background(), Run); err == nil {
		t.Fatal("Generate must fail when the engine rejects the candidate")
	}

	after, err := os.ReadFile(rig.pipeline.RuntimePath())
	if err != nil || !bytes.Equal(after, sentinel) {
		t.Fatalf("runtime file changed after a rejected candidate")
	}
	if calls := rig.controller.callsTo("/configs"); len(calls) != 0 {
		t.Fatalf("engine was told to reload after a rejected candidate: %+v", calls)
	}

	// The draft must have been discarded along with the candidate.
	if got := rig.pipeline.Draft(); len(got) != 0 {
		t.Fatalf("draft still holds the rejected document: %v", got)
	}

	// No leftover candidate files either.
	matches, _ := filepath.Glob(filepath.Join(rig.homeDir, "runtime-*.yaml.tmp"))
	if len(matches) != 0 {
		t.Fatalf("candidate files left behind: %v", matches)
	}
}

func TestGenerateCheckWritesNothing(t *testing.T) {
	rig := newTestRig(t, "exit 0")
	rig.addCurrentProfile(t, baseYAML)

	if err := rig.pipeline.Generate(context.Background(), Check); err != nil {
		t.Fatalf("Generate(Check) failed: %v", err)
	}
	if _, err := os.Stat(rig.pipeline.RuntimePath()); !os.IsNotExist(err) {
		t.Fatal("Check mode must not create the runtime file")
	}
	if calls := rig.controller.callsTo("/configs"); len(calls) != 0 {
		t.Fatalf("Check mode must not reload the engine: %+v", calls)
	}
}

func TestGenerateAppliesMergeChain(t *testing.T) {
	rig := newTestRig(t, "exit 0")
	rig.addCurrentProfile(t, baseYAML)

	layer, err := rig.store.CreateLocal("override", types.KindMerge, []byte("log-level: debug\nipv6: true\n"))
	if err != nil {
		t.Fatalf("CreateLocal failed: %v", err)
	}
	if err := rig.store.SetChain([]string{layer.UID}); err != nil {
		t.Fatalf("SetChain failed: %v", err)
	}

	if err := rig.pipeline.Generate(context.Background(), Run); err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	data, _ := os.ReadFile(rig.pipeline.RuntimePath())
	doc := make(map[string]interface{})
	if err := yaml.Unmarshal(data, &doc); err != nil {
		t.Fatal(err)
	}
	if doc["log-level"] != "debug" {
		t.Fatalf("merge layer not applied, log-level = %v", doc["log-level"])
	}
	if doc["ipv6"] != true {
		t.Fatalf("merge layer key missing, ipv6 = %v", doc["ipv6"])
	}
	if doc["mode"] != "rule" {
		t.Fatalf("base key lost, mode = %v", doc["mode"])
	}
}

func TestGenerateWithoutSelectionFails(t *testing.T) {
	rig := newTestRig(t, "exit 0")
	if err := rig.pipeline.Generate(context.Background(), Run); err == nil {
		t.Fatal("Generate must fail with no profile selected")
	}
}

func TestReplaySelectionsRestoresAndDropsVanished(t *testing.T) {
	rig := newTestRig(t, "exit 0")
	prof := rig.addCurrentProfile(t, baseYAML)
	if err := rig.store.SetSelected(prof.UID, "GroupA", "a2"); err != nil {
		t.Fatal(err)
	}
	if err := rig.store.SetSelected(prof.UID, "GroupB", "gone"); err != nil {
		t.Fatal(err)
	}

	rig.controller.handler = func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet && r.URL.Path == "/proxies" {
			resp := proxiesResponse{Proxies: map[string]proxyInfo{
				"GroupA": {Name: "GroupA", Type: "Selector", Now: "a1", All: []string{"a1", "a2"}},
			}}
			json.NewEncoder(w).Encode(resp)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}

	if err := rig.pipeline.ReplaySelections(context.Background()); err != nil {
		t.Fatalf("ReplaySelections failed: %v", err)
	}

	puts := rig.controller.callsTo("/proxies/GroupA")
	if len(puts) != 1 || puts[0].Method != http.MethodPut {
		t.Fatalf("expected one PUT /proxies/GroupA, got %+v", puts)
	}
	var sel map[string]string
	json.Unmarshal(puts[0].Body, &sel)
	if sel["name"] != "a2" {
		t.Fatalf("restored selection = %q, want a2", sel["name"])
	}

	got, err := rig.store.Get(prof.UID)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := got.SelectedOutbounds["GroupB"]; ok {
		t.Fatal("vanished group selection still recorded")
	}
	if got.SelectedOutbounds["GroupA"] != "a2" {
		t.Fatal("surviving selection was dropped")
	}
	if rig.hub.count(types.NotifySelectionInvalidated) != 1 {
		t.Fatalf("expected exactly one %s event", types.NotifySelectionInvalidated)
	}
}
