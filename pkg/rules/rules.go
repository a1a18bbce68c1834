// Package rules holds the canonical host rule set shared by the enforcement
// strategies.
package rules

import (
	"fmt"
	"net/netip"
	"strings"
)

// Kind is what happens to a host name.
type Kind uint8

const (
	Block Kind = iota + 1
	Allow
	Redirect
)

func (k Kind) String() string {
	switch k {
	case Block:
		return "block"
	case Allow:
		return "allow"
	case Redirect:
		return "redirect"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// ParseKind is the inverse of Kind.String.
func ParseKind(raw string) (Kind, error) {
	switch raw {
	case "block":
		return Block, nil
	case "allow":
		return Allow, nil
	case "redirect":
		return Redirect, nil
	default:
		return 0, fmt.Errorf("unknown rule kind %q", raw)
	}
}

// Entry is one resolved rule. Target is only valid for Redirect.
type Entry struct {
	Host     string
	Kind     Kind
	Target   netip.Addr
	SourceID int64
}

// Valid reports whether the entry is internally consistent.
func (e Entry) Valid() bool {
	if e.Host == "" {
		return false
	}
	switch e.Kind {
	case Block, Allow:
		return !e.Target.IsValid()
	case Redirect:
		return e.Target.IsValid()
	default:
		return false
	}
}

func (e Entry) String() string {
	if e.Kind == Redirect {
		return fmt.Sprintf("%s %s %s (source %d)", e.Kind, e.Host, e.Target, e.SourceID)
	}
	return fmt.Sprintf("%s %s (source %d)", e.Kind, e.Host, e.SourceID)
}

// Normalize lower-cases name and strips surrounding space and a trailing dot.
// Punycode is left untouched.
func Normalize(name string) string {
	trimmed := strings.TrimSpace(name)
	trimmed = strings.TrimSuffix(trimmed, ".")
	if trimmed == "" {
		return ""
	}
	for i := 0; i < len(trimmed); i++ {
		if c := trimmed[i]; c >= 'A' && c <= 'Z' {
			return strings.ToLower(trimmed)
		}
	}
	return trimmed
}
