// Package core provides engine operating mode controls.
package core

import (
	"fmt"
	"strings"
	"sync/atomic"

	"trafficfilter/internal/trafficfilter/observability"
)

// Mode selects how the engine applies decisions.
type Mode int32

const (
	// ModeEnforce evaluates rules and returns their actions.
	ModeEnforce Mode = iota
	// ModeObserve evaluates rules, counts matches, and emits telemetry, but
	// always returns allow. Used for rule rollout.
	ModeObserve
	// ModeBypass skips evaluation entirely and returns allow.
	ModeBypass
)

// String returns the mode label.
func (m Mode) String() string {
	switch m {
	case ModeObserve:
		return "observe"
	case ModeBypass:
		return "bypass"
	default:
		return "enforce"
	}
}

// ParseMode parses a mode label.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "enforce":
		return ModeEnforce, nil
	case "observe":
		return ModeObserve, nil
	case "bypass":
		return ModeBypass, nil
	}
	return ModeEnforce, fmt.Errorf("%w: unknown mode %q", ErrInvalidInput, s)
}

// ModeController holds the current engine mode.
type ModeController struct {
	mode   atomic.Int32
	logger observability.Logger
}

// NewModeController constructs a controller starting in the given mode.
func NewModeController(initial Mode, logger observability.Logger) *ModeController {
	mc := &ModeController{logger: logger}
	mc.mode.Store(int32(initial))
	return mc
}

// Mode returns the current mode.
func (mc *ModeController) Mode() Mode {
	if mc == nil {
		return ModeEnforce
	}
	return Mode(mc.mode.Load())
}

// Set switches the mode and logs transitions.
func (mc *ModeController) Set(mode Mode) {
	if mc == nil {
		return
	}
	prev := Mode(mc.mode.Swap(int32(mode)))
	if prev != mode && mc.logger != nil {
		mc.logger.Info("engine mode changed", map[string]any{
			"old": prev.String(),
			"new": mode.String(),
		})
	}
}
