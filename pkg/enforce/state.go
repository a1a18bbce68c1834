// Package enforce owns the enforcement state machine and selects the active
// strategy.
package enforce

import (
	"context"
	"fmt"
	"strings"

	"hostguard/pkg/hosterr"
	"hostguard/pkg/rules"
)

// Method selects the enforcement strategy.
type Method int

const (
	MethodRoot Method = iota
	MethodVPN
)

func (m Method) String() string {
	switch m {
	case MethodRoot:
		return "root"
	case MethodVPN:
		return "vpn"
	default:
		return fmt.Sprintf("method(%d)", int(m))
	}
}

// ParseMethod accepts the names used in configuration.
func ParseMethod(raw string) (Method, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "root", "hosts":
		return MethodRoot, nil
	case "vpn", "tunnel":
		return MethodVPN, nil
	default:
		return 0, fmt.Errorf("unknown enforcement method %q", raw)
	}
}

// Phase is the tag of an enforcement state.
type Phase int

const (
	NotApplied Phase = iota
	Applying
	Applied
	Reverting
	Failed
)

var phaseNames = []string{"not_applied", "applying", "applied", "reverting", "error"}

func (p Phase) String() string {
	if int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return "unknown"
}

// PhaseNames lists every phase name, for metrics.
func PhaseNames() []string {
	return append([]string(nil), phaseNames...)
}

// State is the enforcement state. Err is set only when Phase is Failed.
type State struct {
	Phase Phase
	Err   *hosterr.HostError
}

func (s State) String() string {
	if s.Phase == Failed && s.Err != nil {
		return fmt.Sprintf("%s(%s)", s.Phase, s.Err.Kind)
	}
	return s.Phase.String()
}

// Strategy realises a rule set on the device. Implementations must leave the
// device in its previous configuration when Install or Uninstall fails.
type Strategy interface {
	Method() Method
	Install(ctx context.Context, provider rules.Provider) error
	Uninstall(ctx context.Context) error
}

// Factory builds a fresh strategy for a method.
type Factory func(Method) (Strategy, error)
