package types

import "encoding/json"

// ProfileKind classifies a profile item.
type ProfileKind string

const (
	KindRemote ProfileKind = "remote"
	KindLocal  ProfileKind = "local"
	KindMerge  ProfileKind = "merge"
	KindScript ProfileKind = "script"
)

// Profile is a single subscription item. This is the core data structure of
// the profiles.json index. The UID is immutable once allocated.
type Profile struct {
	UID  string      `json:"uid"`
	Name string      `json:"name"`
	Kind ProfileKind `json:"kind"`

	// SourceURL is set for remote profiles only.
	SourceURL string `json:"sourceUrl,omitempty"`

	// LocalPath is the on-disk body file (the last download, or the
	// user-supplied file for local/merge/script kinds).
	LocalPath string `json:"localPath,omitempty"`

	// UpdateIntervalMinutes enables periodic refresh when > 0.
	UpdateIntervalMinutes int `json:"updateIntervalMinutes,omitempty"`

	// SelectedOutbounds maps proxy group name to the chosen proxy,
	// replayed against the engine after a successful apply.
	SelectedOutbounds map[string]string `json:"selectedOutbounds,omitempty"`

	Favorite  bool  `json:"favorite,omitempty"`
	UpdatedAt int64 `json:"updatedAt"`
	Valid     bool  `json:"valid"`

	// Extra carries JSON keys written by newer daemon versions. They are
	// never interpreted, only preserved across load/save round-trips.
	Extra map[string]json.RawMessage `json:"-"`
}

// profileKnownKeys are the index keys this version owns. Anything else
// found in a stored profile belongs to a newer schema and lands in Extra.
var profileKnownKeys = map[string]bool{
	"uid":                   true,
	"name":                  true,
	"kind":                  true,
	"sourceUrl":             true,
	"localPath":             true,
	"updateIntervalMinutes": true,
	"selectedOutbounds":     true,
	"favorite":              true,
	"updatedAt":             true,
	"valid":                 true,
}

func (p *Profile) UnmarshalJSON(data []byte) error {
	type plain Profile
	if err := json.Unmarshal(data, (*plain)(p)); err != nil {
		return err
	}
	p.Extra = unknownKeys(data, profileKnownKeys)
	return nil
}

func (p Profile) MarshalJSON() ([]byte, error) {
	type plain Profile
	return mergeUnknown(plain(p), p.Extra)
}

// IsRemote reports whether the profile is downloaded from a URL.
func (p *Profile) IsRemote() bool { return p.Kind == KindRemote }

// Clone returns an independent copy. Mutating the clone's maps never
// touches the original.
func (p *Profile) Clone() *Profile {
	cp := *p
	if p.SelectedOutbounds != nil {
		cp.SelectedOutbounds = make(map[string]string, len(p.SelectedOutbounds))
		for k, v := range p.SelectedOutbounds {
			cp.SelectedOutbounds[k] = v
		}
	}
	if p.Extra != nil {
		cp.Extra = make(map[string]json.RawMessage, len(p.Extra))
		for k, v := range p.Extra {
			cp.Extra[k] = v
		}
	}
	return &cp
}

// ProfileIndex is the persisted shape of the profile store.
type ProfileIndex struct {
	Profiles []*Profile `json:"profiles"`
	// CurrentUID points at the profile currently applied to the engine.
	CurrentUID string `json:"current,omitempty"`
	// Chain is the ordered list of merge/script profile UIDs layered on
	// top of the current profile when generating the runtime file.
	Chain []string `json:"chain,omitempty"`

	// Extra preserves top-level keys from newer schema versions.
	Extra map[string]json.RawMessage `json:"-"`
}

var indexKnownKeys = map[string]bool{
	"profiles": true,
	"current":  true,
	"chain":    true,
}

func (idx *ProfileIndex) UnmarshalJSON(data []byte) error {
	type plain ProfileIndex
	if err := json.Unmarshal(data, (*plain)(idx)); err != nil {
		return err
	}
	idx.Extra = unknownKeys(data, indexKnownKeys)
	return nil
}

func (idx ProfileIndex) MarshalJSON() ([]byte, error) {
	type plain ProfileIndex
	return mergeUnknown(plain(idx), idx.Extra)
}

func unknownKeys(data []byte, known map[string]bool) map[string]json.RawMessage {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil
	}
	for k := range raw {
		if known[k] {
			delete(raw, k)
		}
	}
	if len(raw) == 0 {
		return nil
	}
	return raw
}

// mergeUnknown folds preserved keys back into the marshaled document. The
// typed fields always win on conflicts.
func mergeUnknown(v interface{}, extra map[string]json.RawMessage) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil || len(extra) == 0 {
		return data, err
	}
	merged := make(map[string]json.RawMessage)
	if err := json.Unmarshal(data, &merged); err != nil {
		return nil, err
	}
	for k, val := range extra {
		if _, ok := merged[k]; !ok {
			merged[k] = val
		}
	}
	return json.Marshal(merged)
}
