// Package store persists the profile index and the per-profile body files.
// All mutations happen under the store's write lock and are flushed to disk
// before they return.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"vergecore/internal/shared/logger"
	"vergecore/internal/shared/types"
)

var (
	ErrProfileNotFound       = errors.New("profile not found")
	ErrDuplicateSubscription = errors.New("a subscription with this URL already exists")
)

// Store is the ordered profile collection plus the current pointer and the
// merge/script chain.
type Store struct {
	mu        sync.RWMutex
	indexPath string
	bodyDir   string

	profiles []*types.Profile
	current  string
	chain    []string

	// extra preserves top-level index keys written by newer versions.
	extra map[string]json.RawMessage
}

// Open loads the index from <homeDir>/profiles.json. A missing or corrupt
// index falls back to an empty store; profiles are user data but never a
// fatal startup condition.
func Open(homeDir string) (*Store, error) {
	s := &Store{
		indexPath: filepath.Join(homeDir, "profiles.json"),
		bodyDir:   filepath.Join(homeDir, "profiles"),
	}
	if err := os.MkdirAll(s.bodyDir, 0o755); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(s.indexPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read profiles index: %w", err)
		}
		return s, nil
	}

	var idx types.ProfileIndex
	if err := json.Unmarshal(data, &idx); err != nil {
		logger.Error().Err(err).Str("path", s.indexPath).Msg("profiles index is corrupt, starting empty")
		return s, nil
	}
	s.profiles = idx.Profiles
	s.current = idx.CurrentUID
	s.chain = idx.Chain
	s.extra = idx.Extra
	return s, nil
}

// persistLocked writes the index. Callers hold the write lock.
func (s *Store) persistLocked() error {
	idx := types.ProfileIndex{
		Profiles:   s.profiles,
		CurrentUID: s.current,
		Chain:      s.chain,
		Extra:      s.extra,
	}
	data, err := json.MarshalIndent(&idx, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.indexPath, data, 0o644)
}

// List returns a snapshot of all profiles in order.
func (s *Store) List() []*types.Profile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.Profile, len(s.profiles))
	for i, p := range s.profiles {
		out[i] = p.Clone()
	}
	return out
}

// Get returns a copy of one profile.
func (s *Store) Get(uid string) (*types.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p := s.findLocked(uid)
	if p == nil {
		return nil, ErrProfileNotFound
	}
	return p.Clone(), nil
}

func (s *Store) findLocked(uid string) *types.Profile {
	for _, p := range s.profiles {
		if p.UID == uid {
			return p
		}
	}
	return nil
}

// CurrentUID returns the profile currently applied to the engine.
func (s *Store) CurrentUID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// SetCurrent switches the applied profile pointer.
func (s *Store) SetCurrent(uid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.findLocked(uid) == nil {
		return ErrProfileNotFound
	}
	s.current = uid
	return s.persistLocked()
}

// Chain returns the ordered merge/script layer UIDs.
func (s *Store) Chain() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.chain...)
}

// SetChain replaces the enhance chain. Unknown UIDs are rejected.
func (s *Store) SetChain(uids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, uid := range uids {
		p := s.findLocked(uid)
		if p == nil {
			return fmt.Errorf("%w: %s", ErrProfileNotFound, uid)
		}
		if p.Kind != types.KindMerge && p.Kind != types.KindScript {
			return fmt.Errorf("profile %s is not a merge or script layer", uid)
		}
	}
	s.chain = append([]string(nil), uids...)
	return s.persistLocked()
}

// CreateRemote registers a new remote subscription. The body is written by
// the sync pipeline after the first successful download.
func (s *Store) CreateRemote(name, sourceURL string, intervalMinutes int) (*types.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.profiles {
		if p.IsRemote() && p.SourceURL == sourceURL {
			return nil, ErrDuplicateSubscription
		}
	}
	p := &types.Profile{
		UID:                   uuid.NewString(),
		Name:                  name,
		Kind:                  types.KindRemote,
		SourceURL:             sourceURL,
		UpdateIntervalMinutes: intervalMinutes,
		UpdatedAt:             time.Now().Unix(),
	}
	s.profiles = append(s.profiles, p)
	if err := s.persistLocked(); err != nil {
		s.profiles = s.profiles[:len(s.profiles)-1]
		return nil, err
	}
	return p.Clone(), nil
}

// CreateLocal registers a local, merge or script profile from raw bytes.
func (s *Store) CreateLocal(name string, kind types.ProfileKind, body []byte) (*types.Profile, error) {
	if kind == types.KindRemote {
		return nil, errors.New("remote profiles are created via CreateRemote")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p := &types.Profile{
		UID:       uuid.NewString(),
		Name:      name,
		Kind:      kind,
		UpdatedAt: time.Now().Unix(),
	}
	path := s.bodyPathLocked(p)
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write profile body: %w", err)
	}
	p.LocalPath = path
	p.Valid = true
	s.profiles = append(s.profiles, p)
	if err := s.persistLocked(); err != nil {
		s.profiles = s.profiles[:len(s.profiles)-1]
		return nil, err
	}
	return p.Clone(), nil
}

func (s *Store) bodyPathLocked(p *types.Profile) string {
	ext := ".yaml"
	if p.Kind == types.KindScript {
		ext = ".js"
	}
	return filepath.Join(s.bodyDir, p.UID+ext)
}

// Patch mutates the editable profile fields. Nil fields are untouched.
type Patch struct {
	Name            *string
	SourceURL       *string
	IntervalMinutes *int
	Favorite        *bool
}

// Apply patches a profile in place.
func (s *Store) Apply(uid string, patch Patch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.findLocked(uid)
	if p == nil {
		return ErrProfileNotFound
	}
	if patch.Name != nil {
		p.Name = *patch.Name
	}
	if patch.SourceURL != nil {
		if !p.IsRemote() {
			return errors.New("source URL applies to remote profiles only")
		}
		p.SourceURL = *patch.SourceURL
	}
	if patch.IntervalMinutes != nil {
		p.UpdateIntervalMinutes = *patch.IntervalMinutes
	}
	if patch.Favorite != nil {
		p.Favorite = *patch.Favorite
	}
	s.touchLocked(p)
	return s.persistLocked()
}

// touchLocked bumps UpdatedAt, keeping it monotonically non-decreasing.
func (s *Store) touchLocked(p *types.Profile) {
	now := time.Now().Unix()
	if now > p.UpdatedAt {
		p.UpdatedAt = now
	} else {
		p.UpdatedAt++
	}
}

// SaveBody stores a freshly downloaded subscription body and marks the
// profile valid.
func (s *Store) SaveBody(uid string, body []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.findLocked(uid)
	if p == nil {
		return ErrProfileNotFound
	}
	path := s.bodyPathLocked(p)
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return fmt.Errorf("failed to write profile body: %w", err)
	}
	p.LocalPath = path
	p.Valid = true
	s.touchLocked(p)
	return s.persistLocked()
}

// SetSelected records the chosen proxy for a group on a profile.
func (s *Store) SetSelected(uid, group, proxy string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.findLocked(uid)
	if p == nil {
		return ErrProfileNotFound
	}
	if p.SelectedOutbounds == nil {
		p.SelectedOutbounds = make(map[string]string)
	}
	p.SelectedOutbounds[group] = proxy
	return s.persistLocked()
}

// DropSelections removes selection entries whose group or proxy no longer
// exists after a config change. Returns the dropped group names.
func (s *Store) DropSelections(uid string, groups []string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.findLocked(uid)
	if p == nil {
		return nil, ErrProfileNotFound
	}
	var dropped []string
	for _, g := range groups {
		if _, ok := p.SelectedOutbounds[g]; ok {
			delete(p.SelectedOutbounds, g)
			dropped = append(dropped, g)
		}
	}
	if len(dropped) == 0 {
		return nil, nil
	}
	return dropped, s.persistLocked()
}

// Delete removes a profile, its body file, and any references from the
// current pointer or the chain.
func (s *Store) Delete(uid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := -1
	for i, p := range s.profiles {
		if p.UID == uid {
			idx = i
			break
		}
	}
	if idx < 0 {
		return ErrProfileNotFound
	}
	p := s.profiles[idx]
	s.profiles = append(s.profiles[:idx], s.profiles[idx+1:]...)
	if s.current == uid {
		s.current = ""
	}
	chain := s.chain[:0]
	for _, c := range s.chain {
		if c != uid {
			chain = append(chain, c)
		}
	}
	s.chain = chain
	if p.LocalPath != "" {
		if err := os.Remove(p.LocalPath); err != nil && !os.IsNotExist(err) {
			logger.Warn().Err(err).Str("path", p.LocalPath).Msg("failed to remove profile body")
		}
	}
	return s.persistLocked()
}

// Reorder rearranges profiles to the given UID order. Every existing UID
// must appear exactly once.
func (s *Store) Reorder(uids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(uids) != len(s.profiles) {
		return errors.New("reorder list must cover every profile")
	}
	byUID := make(map[string]*types.Profile, len(s.profiles))
	for _, p := range s.profiles {
		byUID[p.UID] = p
	}
	next := make([]*types.Profile, 0, len(uids))
	for _, uid := range uids {
		p, ok := byUID[uid]
		if !ok {
			return fmt.Errorf("%w: %s", ErrProfileNotFound, uid)
		}
		delete(byUID, uid)
		next = append(next, p)
	}
	s.profiles = next
	return s.persistLocked()
}
