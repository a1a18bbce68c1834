package sources

import (
	"fmt"
	"sort"
	"strings"
)

// BuildSources converts list configuration into sources ready to be stored.
// Catalog entries fill in a missing URL or format. Output is sorted by
// configuration key so that store IDs are assigned in a stable order.
func BuildSources(catalog map[string]ListDefinition, configs map[string]ListConfig) ([]HostsSource, error) {
	keys := make([]string, 0, len(configs))
	for key := range configs {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	result := make([]HostsSource, 0, len(keys))
	for _, key := range keys {
		cfg := configs[key]
		def, known := catalog[key]

		location := strings.TrimSpace(cfg.URL)
		if location == "" && known {
			location = def.URL
		}
		if location == "" {
			return nil, fmt.Errorf("source %s: no url configured and not in catalog", key)
		}

		format := def.Format
		if cfg.Format != "" || !known {
			parsed, err := ParseFormat(cfg.Format)
			if err != nil {
				return nil, fmt.Errorf("source %s: %w", key, err)
			}
			format = parsed
		}

		result = append(result, HostsSource{
			Label:   key,
			URL:     location,
			Enabled: cfg.Enabled,
			Format:  format,
			State:   StateOutdated,
			Auth: AuthConfig{
				Username: cfg.Username,
				Password: cfg.Password,
				Token:    cfg.Token,
				Header:   cfg.Header,
				Scheme:   cfg.Scheme,
			},
		})
	}
	return result, nil
}

// CountStates tallies enabled sources by state. Disabled sources are not
// synced, so they count as neither up to date nor outdated.
func CountStates(list []HostsSource) Counts {
	var c Counts
	for _, s := range list {
		if !s.Enabled {
			continue
		}
		switch s.State {
		case StateUpToDate:
			c.UpToDate++
		case StateOutdated:
			c.Outdated++
		case StateError:
			c.Failed++
		}
	}
	return c
}
