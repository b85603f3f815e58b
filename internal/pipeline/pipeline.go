// Package pipeline turns the profile set into the engine's runtime file:
// draft, validate against the engine binary, atomically swap, and hand the
// new path to the engine over IPC.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"vergecore/internal/channel"
	"vergecore/internal/shared/config"
	"vergecore/internal/shared/logger"
	"vergecore/internal/shared/types"
	"vergecore/internal/store"
)

// ConfigType selects the generation target.
type ConfigType int

const (
	// Check writes to a throwaway path, for validation only.
	Check ConfigType = iota
	// Run writes the canonical runtime file, after validation succeeds.
	Run
)

// Layer is one merge/script profile applied on top of the base profile.
type Layer struct {
	Kind types.ProfileKind
	Name string
	Body []byte
}

// EnhanceFunc merges the base document with the chain layers. It is a pure
// function supplied by the profile-enhancement collaborator; DefaultEnhance
// is a minimal overlay used when none is wired in.
type EnhanceFunc func(base map[string]interface{}, layers []Layer) (map[string]interface{}, error)

// Pipeline owns the draft/published runtime document pair.
type Pipeline struct {
	homeDir     string
	runtimePath string
	store       *store.Store
	client      *channel.Client
	hub         types.Notifier
	enginePath  func() string
	enhance     EnhanceFunc
	log         zerolog.Logger

	mu        sync.Mutex
	draft     map[string]interface{}
	published map[string]interface{}
}

// New builds a pipeline. enginePath must resolve to the engine binary used
// for `-t` validation (it follows core switches).
func New(cfg *types.Config, st *store.Store, client *channel.Client, hub types.Notifier, enginePath func() string, enhance EnhanceFunc) *Pipeline {
	if enhance == nil {
		enhance = DefaultEnhance
	}
	return &Pipeline{
		homeDir:     cfg.AppConf.HomeDir,
		runtimePath: config.RuntimePath(cfg.AppConf.HomeDir),
		store:       st,
		client:      client,
		hub:         hub,
		enginePath:  enginePath,
		enhance:     enhance,
		log:         logger.WithComponent("pipeline"),
	}
}

// RuntimePath returns the canonical runtime file location.
func (p *Pipeline) RuntimePath() string { return p.runtimePath }

// Draft returns a mutable shadow of the published document. Repeated calls
// return the same shadow until Apply or Discard resolves it.
func (p *Pipeline) Draft() map[string]interface{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.draft == nil {
		p.draft = deepCopyDoc(p.published)
	}
	return p.draft
}

// Apply promotes the shadow to published state.
func (p *Pipeline) Apply() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.draft != nil {
		p.published = p.draft
		p.draft = nil
	}
}

// Discard drops the shadow; the published document stays untouched.
func (p *Pipeline) Discard() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.draft = nil
}

// Generate builds the runtime document from the current profile and the
// enhance chain, validates it, and for Run swaps it in and tells the engine
// to load it. Validation failures never touch the published runtime.
func (p *Pipeline) Generate(ctx context.Context, kind ConfigType) error {
	doc, err := p.buildDocument()
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.draft = doc
	p.mu.Unlock()

	data, err := yaml.Marshal(doc)
	if err != nil {
		p.Discard()
		return fmt.Errorf("failed to marshal runtime document: %w", err)
	}

	candidate, err := p.writeCandidate(data)
	if err != nil {
		p.Discard()
		return err
	}
	defer os.Remove(candidate)

	if err := ValidateCandidate(ctx, p.enginePath(), p.homeDir, candidate); err != nil {
		p.Discard()
		return fmt.Errorf("engine rejected candidate config: %w", err)
	}

	if kind == Check {
		p.Discard()
		return nil
	}

	// Promote the candidate atomically, then hand the path to the engine.
	if err := os.Rename(candidate, p.runtimePath); err != nil {
		p.Discard()
		return fmt.Errorf("failed to swap runtime file: %w", err)
	}

	body, _ := json.Marshal(map[string]string{"path": p.runtimePath})
	status, _, err := p.client.Request(ctx, http.MethodPut, "/configs?force=true", json.RawMessage(body))
	if err != nil {
		p.Discard()
		return fmt.Errorf("failed to load runtime config into engine: %w", err)
	}
	if status != http.StatusNoContent {
		p.Discard()
		return fmt.Errorf("engine refused runtime config, status %d", status)
	}

	p.Apply()
	p.log.Info().Str("path", p.runtimePath).Msg("runtime config applied")
	return nil
}

// buildDocument reads the current profile body and folds the chain through
// the enhance function.
func (p *Pipeline) buildDocument() (map[string]interface{}, error) {
	current := p.store.CurrentUID()
	if current == "" {
		return nil, fmt.Errorf("no profile selected")
	}
	prof, err := p.store.Get(current)
	if err != nil {
		return nil, err
	}
	if prof.LocalPath == "" {
		return nil, fmt.Errorf("profile %s has no local content yet", prof.UID)
	}
	raw, err := os.ReadFile(prof.LocalPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read profile body: %w", err)
	}
	base := make(map[string]interface{})
	if err := yaml.Unmarshal(raw, &base); err != nil {
		return nil, fmt.Errorf("profile %s is not valid YAML: %w", prof.UID, err)
	}

	var layers []Layer
	for _, uid := range p.store.Chain() {
		lp, err := p.store.Get(uid)
		if err != nil {
			continue // stale chain entries are skipped, not fatal
		}
		body, err := os.ReadFile(lp.LocalPath)
		if err != nil {
			p.log.Warn().Err(err).Str("uid", uid).Msg("skipping unreadable chain layer")
			continue
		}
		layers = append(layers, Layer{Kind: lp.Kind, Name: lp.Name, Body: body})
	}

	return p.enhance(base, layers)
}

func (p *Pipeline) writeCandidate(data []byte) (string, error) {
	f, err := os.CreateTemp(filepath.Dir(p.runtimePath), "runtime-*.yaml.tmp")
	if err != nil {
		return "", fmt.Errorf("failed to create candidate file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

func deepCopyDoc(doc map[string]interface{}) map[string]interface{} {
	if doc == nil {
		return make(map[string]interface{})
	}
	// YAML round-trip is the simplest faithful deep copy for a document
	// of plain maps, slices and scalars.
	data, err := yaml.Marshal(doc)
	if err != nil {
		return make(map[string]interface{})
	}
	out := make(map[string]interface{})
	if err := yaml.Unmarshal(data, &out); err != nil {
		return make(map[string]interface{})
	}
	return out
}
