// ABOUTME: Capability and AgentCapability types plus the ordinal proficiency Level
// ABOUTME: Capabilities are immutable once defined; bindings tie an agent to one capability

package capability

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Level is the ordinal skill level an agent declares for a capability.
type Level int

const (
	LevelNone Level = iota
	LevelBasic
	LevelIntermediate
	LevelAdvanced
	LevelExpert
)

func (l Level) String() string {
	switch l {
	case LevelNone:
		return "none"
	case LevelBasic:
		return "basic"
	case LevelIntermediate:
		return "intermediate"
	case LevelAdvanced:
		return "advanced"
	case LevelExpert:
		return "expert"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// Valid reports whether l is one of the defined levels.
func (l Level) Valid() bool {
	return l >= LevelNone && l <= LevelExpert
}

// ParseLevel converts a level name (case-insensitive) into a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none", "":
		return LevelNone, nil
	case "basic":
		return LevelBasic, nil
	case "intermediate":
		return LevelIntermediate, nil
	case "advanced":
		return LevelAdvanced, nil
	case "expert":
		return LevelExpert, nil
	}
	return LevelNone, fmt.Errorf("unknown capability level %q", s)
}

// Capability is a named unit of functionality. RequiredCapabilities must be
// held by an agent before it can register this one.
type Capability struct {
	ID                   string
	Name                 string
	Description          string
	RequiredCapabilities []string
	IncompatibleWith     []string
}

func (c *Capability) clone() *Capability {
	out := *c
	out.RequiredCapabilities = append([]string(nil), c.RequiredCapabilities...)
	out.IncompatibleWith = append([]string(nil), c.IncompatibleWith...)
	return &out
}

// AgentCapability binds an agent to a capability. There is at most one
// binding per (agent, capability) pair.
type AgentCapability struct {
	AgentID      string
	CapabilityID string
	Level        Level
	Proficiency  float64 // 0-100, fed by the metrics loop
	Enabled      bool
	RegisteredAt time.Time
	LastUsedAt   time.Time // last successful routed use, zero if never
}

// Errors returned by the registry. Validation failures are wrapped in a
// *ValidationError.
var (
	ErrValidation        = errors.New("capability validation failed")
	ErrUnknownCapability = errors.New("unknown capability")
	ErrMissingDependency = errors.New("required capability not registered")
	ErrIncompatible      = errors.New("incompatible capability registered")
	ErrCapabilityExists  = errors.New("capability already defined")
	ErrBindingNotFound   = errors.New("capability binding not found")
)

// ValidationError describes a rejected registration.
type ValidationError struct {
	AgentID      string
	CapabilityID string
	Reason       error
	Detail       string
}

func (e *ValidationError) Error() string {
	msg := fmt.Sprintf("capability %q for agent %q: %v", e.CapabilityID, e.AgentID, e.Reason)
	if e.Detail != "" {
		msg += " (" + e.Detail + ")"
	}
	return msg
}

// Is lets errors.Is match both ErrValidation and the specific reason.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func (e *ValidationError) Unwrap() error { return e.Reason }
