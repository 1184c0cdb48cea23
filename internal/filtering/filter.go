// Package filtering implements the Filtering Service: it decides whether an
// Outbound Connection is visible to a given inbound session based on the
// session's tag filter mode (none, simple-or, advanced boolean expression,
// or preset).
package filtering

import (
	"strings"

	"github.com/1mcp-app/agent/pkg/logging"
)

// Mode is the session's tag filter mode, mirroring §4.4.
type Mode string

const (
	ModeNone     Mode = "none"
	ModeSimpleOR Mode = "simple-or"
	ModeAdvanced Mode = "advanced"
	ModePreset   Mode = "preset"
)

// SessionConfig is the subset of an Inbound Connection's attributes the
// Filtering Service needs.
type SessionConfig struct {
	Mode          Mode
	Tags          []string
	TagExpression string
	PresetName    string
}

// Connection is the minimal view of an Outbound Connection the Filtering
// Service needs: its tag set.
type Connection interface {
	Tags() []string
}

// Service evaluates session tag filters against connection tag sets.
// Presets are resolved via a name -> tag-set lookup supplied at
// construction (typically sourced from the config document's Presets map).
type Service struct {
	presets map[string][]string
}

// New builds a Service over a preset-name -> tags lookup table.
func New(presets map[string][]string) *Service {
	lowered := make(map[string][]string, len(presets))
	for name, tags := range presets {
		lowered[strings.ToLower(name)] = lowerAll(tags)
	}
	return &Service{presets: lowered}
}

func lowerAll(ss []string) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = strings.ToLower(s)
	}
	return out
}

func tagSet(tags []string) map[string]struct{} {
	set := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		set[strings.ToLower(t)] = struct{}{}
	}
	return set
}

func intersects(a map[string]struct{}, b []string) bool {
	for _, t := range b {
		if _, ok := a[strings.ToLower(t)]; ok {
			return true
		}
	}
	return false
}

func passAll[C Connection](conns map[string]C) map[string]C {
	out := make(map[string]C, len(conns))
	for k, c := range conns {
		out[k] = c
	}
	return out
}

// GetFilteredConnections applies §4.4's ordered rule set: no filter and no
// preset passes everything through; simple-or keeps connections whose tags
// intersect cfg.Tags; advanced evaluates cfg.TagExpression (falling back to
// pass-all on a parse error, which is logged); preset (or any PresetName set
// regardless of Mode) resolves the named preset to a tag set and applies
// simple-or against it.
func GetFilteredConnections[C Connection](s *Service, conns map[string]C, cfg SessionConfig) map[string]C {
	if cfg.Mode == ModePreset || cfg.PresetName != "" {
		tags, ok := s.presets[strings.ToLower(cfg.PresetName)]
		if !ok {
			logging.Warn("Filtering", "unknown preset %q; passing all connections through", cfg.PresetName)
			return passAll(conns)
		}
		out := make(map[string]C, len(conns))
		for k, c := range conns {
			if intersects(tagSet(c.Tags()), tags) {
				out[k] = c
			}
		}
		return out
	}

	switch cfg.Mode {
	case ModeNone, "":
		return passAll(conns)

	case ModeSimpleOR:
		out := make(map[string]C, len(conns))
		for k, c := range conns {
			if intersects(tagSet(c.Tags()), cfg.Tags) {
				out[k] = c
			}
		}
		return out

	case ModeAdvanced:
		expr, err := parseExpression(cfg.TagExpression)
		if err != nil {
			logging.Warn("Filtering", "failed to parse tag expression %q: %v; passing all connections through", cfg.TagExpression, err)
			return passAll(conns)
		}
		out := make(map[string]C, len(conns))
		for k, c := range conns {
			if expr.eval(tagSet(c.Tags())) {
				out[k] = c
			}
		}
		return out

	default:
		return passAll(conns)
	}
}
