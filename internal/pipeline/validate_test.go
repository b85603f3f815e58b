//go:build !windows

package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// fakeEngine writes a shell script standing in for the engine binary's
// `-t` mode.
func fakeEngine(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "engine")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script+"\n"), 0o755); err != nil {
		t.Fatalf("failed to write fake engine: %v", err)
	}
	return path
}

func TestValidateCandidateAccepts(t *testing.T) {
	engine := fakeEngine(t, `echo "configuration file test is successful"`)
	if err := ValidateCandidate(context.Background(), engine, t.TempDir(), "candidate.yaml"); err != nil {
		t.Fatalf("ValidateCandidate failed: %v", err)
	}
}

func TestValidateCandidateRejectsNonZeroExit(t *testing.T) {
	engine := fakeEngine(t, "exit 1")
	if err := ValidateCandidate(context.Background(), engine, t.TempDir(), "candidate.yaml"); err == nil {
		t.Fatal("non-zero exit must fail validation")
	}
}

func TestValidateCandidateRejectsFatalMarkerOnCleanExit(t *testing.T) {
	// mihomo exits zero for some config errors and only reports them on
	// stderr; the marker scan must still catch those.
	engine := fakeEngine(t, `echo "Parse config error: proxy 0: unsupported type" >&2; exit 0`)
	err := ValidateCandidate(context.Background(), engine, t.TempDir(), "candidate.yaml")
	if err == nil {
		t.Fatal("fatal marker on clean exit must fail validation")
	}
	if !strings.Contains(err.Error(), "Parse config error") {
		t.Fatalf("error does not carry the marker output: %v", err)
	}
}

func TestValidateCandidatePassesExpectedArgs(t *testing.T) {
	dir := t.TempDir()
	capture := filepath.Join(dir, "argv")
	engine := fakeEngine(t, `echo "$@" > `+capture)
	home := filepath.Join(dir, "home")
	if err := ValidateCandidate(context.Background(), engine, home, "cand.yaml"); err != nil {
		t.Fatalf("ValidateCandidate failed: %v", err)
	}
	argv, err := os.ReadFile(capture)
	if err != nil {
		t.Fatalf("fake engine never ran: %v", err)
	}
	want := "-t -d " + home + " -f cand.yaml"
	if strings.TrimSpace(string(argv)) != want {
		t.Fatalf("engine argv = %q, want %q", strings.TrimSpace(string(argv)), want)
	}
}

func TestValidateScript(t *testing.T) {
	cases := []struct {
		name string
		src  string
		ok   bool
	}{
		{"function main", "function main(config) { return config; }", true},
		{"const main", "const main = (config) => config;", true},
		{"exports main", "exports.main = function (c) { return c; };", true},
		{"no main", "function helper() { return 1; }", false},
		{"syntax error", "function main(config { return config; }", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateScript([]byte(tc.src))
			if tc.ok && err != nil {
				t.Fatalf("want valid, got %v", err)
			}
			if !tc.ok && err == nil {
				t.Fatal("want error, got nil")
			}
		})
	}
}

func TestValidateMerge(t *testing.T) {
	if err := ValidateMerge([]byte("mixed-port: 7897\ndns:\n  enable: true\n")); err != nil {
		t.Fatalf("valid YAML rejected: %v", err)
	}
	if err := ValidateMerge([]byte("a: [unclosed")); err == nil {
		t.Fatal("broken YAML accepted")
	}
}

func TestValidatePartialDispatch(t *testing.T) {
	if err := ValidatePartial("script", []byte("function main(c){return c}")); err != nil {
		t.Fatalf("script dispatch failed: %v", err)
	}
	if err := ValidatePartial("merge", []byte("a: 1")); err != nil {
		t.Fatalf("merge dispatch failed: %v", err)
	}
	if err := ValidatePartial("merge", []byte("function main(c){return c}")); err == nil {
		t.Fatal("merge dispatch must apply YAML validation")
	}
}
