package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"vergecore/internal/channel"
	"vergecore/internal/shared/types"
)

type proxyInfo struct {
	Name string   `json:"name"`
	Type string   `json:"type"`
	Now  string   `json:"now,omitempty"`
	All  []string `json:"all,omitempty"`
}

type proxiesResponse struct {
	Proxies map[string]proxyInfo `json:"proxies"`
}

// ReplaySelections re-applies the current profile's recorded group
// selections after a successful runtime swap. Selections whose group or
// proxy no longer exists are silently dropped from the profile; a hub event
// lets an interested GUI know.
func (p *Pipeline) ReplaySelections(ctx context.Context) error {
	uid := p.store.CurrentUID()
	if uid == "" {
		return nil
	}
	prof, err := p.store.Get(uid)
	if err != nil || len(prof.SelectedOutbounds) == 0 {
		return err
	}

	status, raw, err := p.client.Request(ctx, http.MethodGet, "/proxies", nil)
	if err != nil {
		return fmt.Errorf("failed to list proxies: %w", err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("proxies listing returned status %d", status)
	}
	var resp proxiesResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return fmt.Errorf("failed to parse proxies listing: %w", err)
	}

	var vanished []string
	for group, want := range prof.SelectedOutbounds {
		info, ok := resp.Proxies[group]
		if !ok || !contains(info.All, want) {
			vanished = append(vanished, group)
			continue
		}
		body, _ := json.Marshal(map[string]string{"name": want})
		path := "/proxies/" + channel.EncodePathSegment(group)
		if _, _, err := p.client.Request(ctx, http.MethodPut, path, json.RawMessage(body)); err != nil {
			p.log.Warn().Err(err).Str("group", group).Msg("failed to restore selection")
		}
	}

	if len(vanished) > 0 {
		dropped, err := p.store.DropSelections(uid, vanished)
		if err != nil {
			return err
		}
		if len(dropped) > 0 {
			p.hub.Notify(types.NotifySelectionInvalidated, map[string]interface{}{
				"uid":    uid,
				"groups": dropped,
			})
		}
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
