package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// GeoInfo is the normalized geo-IP probe result.
type GeoInfo struct {
	IP          string `json:"ip"`
	Country     string `json:"country"`
	CountryCode string `json:"country_code"`
}

// geoProviders are tried in order until one returns a parseable payload.
var geoProviders = []string{
	"https://api.ip.sb/geoip",
	"https://ipwho.is/",
	"https://ipapi.co/json/",
}

// ProbeGeo queries the fallback provider list sequentially.
func (c *Client) ProbeGeo(ctx context.Context) (*GeoInfo, error) {
	var lastErr error
	for _, provider := range geoProviders {
		info, err := c.probeOne(ctx, provider)
		if err != nil {
			c.log.Debug().Err(err).Str("provider", provider).Msg("geo-ip provider failed")
			lastErr = err
			continue
		}
		return info, nil
	}
	return nil, fmt.Errorf("all geo-ip providers failed: %w", lastErr)
}

func (c *Client) probeOne(ctx context.Context, provider string) (*GeoInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, provider, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", defaultUserAgent)

	resp, err := c.direct.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}

	// Providers disagree on field names; accept the common variants.
	var raw struct {
		IP          string `json:"ip"`
		Query       string `json:"query"`
		Country     string `json:"country"`
		CountryCode string `json:"country_code"`
		CountryISO  string `json:"country_iso"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("unparseable payload: %w", err)
	}
	info := &GeoInfo{IP: raw.IP, Country: raw.Country, CountryCode: raw.CountryCode}
	if info.IP == "" {
		info.IP = raw.Query
	}
	if info.CountryCode == "" {
		info.CountryCode = raw.CountryISO
	}
	if info.IP == "" {
		return nil, fmt.Errorf("payload carries no IP")
	}
	return info, nil
}
