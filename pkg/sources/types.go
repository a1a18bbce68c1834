// Package sources describes the remote host lists that feed the rule set.
package sources

import (
	"fmt"
	"strings"
	"time"
)

// Format is the text format a list is published in.
type Format int

const (
	FormatHostsFile Format = iota
	FormatDomainList
	FormatAdblockPlus
)

func (f Format) String() string {
	switch f {
	case FormatHostsFile:
		return "hosts"
	case FormatDomainList:
		return "domains"
	case FormatAdblockPlus:
		return "adblock"
	default:
		return fmt.Sprintf("format(%d)", int(f))
	}
}

// ParseFormat accepts the names used in configuration files.
func ParseFormat(raw string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "hosts", "hosts_file":
		return FormatHostsFile, nil
	case "domains", "domain_list", "plain":
		return FormatDomainList, nil
	case "adblock", "adblock_plus", "abp":
		return FormatAdblockPlus, nil
	default:
		return 0, fmt.Errorf("unknown list format %q", raw)
	}
}

// State is the freshness of a source after its last fetch attempt.
type State int

const (
	StateOutdated State = iota
	StateUpToDate
	StateError
)

func (s State) String() string {
	switch s {
	case StateUpToDate:
		return "up_to_date"
	case StateOutdated:
		return "outdated"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// ParseState is the inverse of State.String.
func ParseState(raw string) (State, error) {
	switch raw {
	case "up_to_date":
		return StateUpToDate, nil
	case "outdated":
		return StateOutdated, nil
	case "error":
		return StateError, nil
	default:
		return 0, fmt.Errorf("unknown source state %q", raw)
	}
}

// HostsSource identifies one remote list. ID is assigned by the store and
// doubles as the merge tie-break: lower IDs win.
type HostsSource struct {
	ID                 int64
	Label              string
	URL                string
	Enabled            bool
	Format             Format
	LastFetchedAt      *time.Time
	LastModifiedRemote string
	State              State
	Auth               AuthConfig
}

// AuthConfig defines optional authentication for a source.
type AuthConfig struct {
	Username string
	Password string
	Token    string
	Header   string
	Scheme   string
}

// ListConfig defines a configured source entry.
type ListConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	URL      string `mapstructure:"url"`
	Format   string `mapstructure:"format"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Token    string `mapstructure:"token"`
	Header   string `mapstructure:"header"`
	Scheme   string `mapstructure:"scheme"`
}

// Counts summarises sources by freshness for display.
type Counts struct {
	UpToDate int
	Outdated int
	Failed   int
}
