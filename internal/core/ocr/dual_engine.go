package ocr

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// DefaultProbeTimeout bounds every health probe.
const DefaultProbeTimeout = 2 * time.Second

var errNativeDown = errors.New("native service unavailable")

// DualModeEngine fronts an engine that has a native accelerated service and
// a portable in-process fallback. The native probe runs on every call; within
// one orchestrator step the Health and Process calls share its outcome.
type DualModeEngine struct {
	name         string
	native       Engine
	portable     Engine
	probeTimeout time.Duration
	logger       *slog.Logger
}

func NewDualModeEngine(name string, native, portable Engine, probeTimeout time.Duration, logger *slog.Logger) *DualModeEngine {
	if probeTimeout <= 0 {
		probeTimeout = DefaultProbeTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DualModeEngine{
		name:         name,
		native:       native,
		portable:     portable,
		probeTimeout: probeTimeout,
		logger:       logger.With("component", "ocr", "engine", name),
	}
}

func (e *DualModeEngine) Name() string { return e.name }

// Health is healthy when either mode is.
func (e *DualModeEngine) Health(ctx context.Context) error {
	if e.native != nil && e.probeNative(ctx) {
		return nil
	}
	if e.portable == nil {
		return errNativeDown
	}
	return e.portable.Health(ctx)
}

func (e *DualModeEngine) Process(ctx context.Context, in Request) (*Result, error) {
	target, mode := e.selectMode(ctx, in.DeviceHint)
	if target == nil {
		return nil, errNativeDown
	}
	if mode == DeviceCPU {
		in.DeviceHint = DeviceCPU
	}
	res, err := target.Process(ctx, in)
	if err != nil {
		return nil, err
	}
	if res.Metadata == nil {
		res.Metadata = map[string]any{}
	}
	res.Metadata["device_mode"] = string(mode)
	return res, nil
}

func (e *DualModeEngine) selectMode(ctx context.Context, hint Device) (Engine, Device) {
	if e.native == nil || hint == DeviceCPU {
		return e.portable, DeviceCPU
	}
	if e.portable == nil || e.probeNative(ctx) {
		return e.native, DeviceNative
	}
	e.logger.Debug("native service unavailable, using portable mode")
	return e.portable, DeviceCPU
}

func (e *DualModeEngine) probeNative(ctx context.Context) bool {
	memo, _ := ctx.Value(probeMemoKey{}).(*probeMemo)
	if up, ok := memo.get(e); ok {
		return up
	}
	pctx, cancel := context.WithTimeout(ctx, e.probeTimeout)
	defer cancel()
	up := e.native.Health(pctx) == nil
	memo.put(e, up)
	return up
}

type probeMemoKey struct{}

// probeMemo holds native probe outcomes for the lifetime of one step.
type probeMemo struct {
	mu  sync.Mutex
	ups map[*DualModeEngine]bool
}

// withProbeMemo scopes native probe outcomes to ctx and its children.
func withProbeMemo(ctx context.Context) context.Context {
	return context.WithValue(ctx, probeMemoKey{}, &probeMemo{ups: map[*DualModeEngine]bool{}})
}

func (m *probeMemo) get(e *DualModeEngine) (up, ok bool) {
	if m == nil {
		return false, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	up, ok = m.ups[e]
	return up, ok
}

func (m *probeMemo) put(e *DualModeEngine, up bool) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.ups[e] = up
	m.mu.Unlock()
}
