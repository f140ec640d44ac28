package ocr

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/markdave123-py/Docket/internal/core/classifier"
)

// Route names the row of the selection table a document fell into.
type Route string

const (
	RouteImage     Route = "image"
	RoutePlain     Route = "plain"
	RouteTextBased Route = "text_based"
	RouteScannedSm Route = "scanned_small"
	RouteScannedLg Route = "scanned_large"
	RouteMixed     Route = "mixed"
)

const (
	DefaultLargeSize    = 20 << 20
	DefaultBaseTimeout  = 2 * time.Minute
	DefaultTimeoutPerMB = 15 * time.Second
	DefaultMaxTimeout   = 30 * time.Minute
)

// DocumentClassifier is satisfied by *classifier.Classifier.
type DocumentClassifier interface {
	Classify(raw []byte) classifier.Classification
}

// Plan is the ordered engine chain chosen for a document.
type Plan struct {
	Route          Route                     `json:"route"`
	Classification classifier.Classification `json:"classification"`
	Engines        []string                  `json:"engines"`
}

// Outcome is a successful walk of the chain.
type Outcome struct {
	Plan     Plan
	Engine   string
	Result   *Result
	Attempts []Attempt
}

// Orchestrator owns the engine registry and the fallback state machine.
type Orchestrator struct {
	engines      map[string]Engine
	classifier   DocumentClassifier
	largeSize    int
	probeTimeout time.Duration
	baseTimeout  time.Duration
	perMB        time.Duration
	maxTimeout   time.Duration
	logger       *slog.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithEngine(e Engine) Option {
	return func(o *Orchestrator) {
		if e != nil {
			o.engines[e.Name()] = e
		}
	}
}

func WithClassifier(c DocumentClassifier) Option {
	return func(o *Orchestrator) {
		if c != nil {
			o.classifier = c
		}
	}
}

// WithLargeDocumentBytes sets the size from which a scanned document is
// routed to the robust engine first.
func WithLargeDocumentBytes(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.largeSize = n
		}
	}
}

func WithProbeTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.probeTimeout = d
		}
	}
}

// WithInvokeTimeouts sets the invocation deadline as base plus perMB for
// every started megabyte, capped at limit.
func WithInvokeTimeouts(base, perMB, limit time.Duration) Option {
	return func(o *Orchestrator) {
		if base > 0 {
			o.baseTimeout = base
		}
		if perMB >= 0 {
			o.perMB = perMB
		}
		if limit > 0 {
			o.maxTimeout = limit
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger.With("component", "ocr")
		}
	}
}

func NewOrchestrator(opts ...Option) *Orchestrator {
	o := &Orchestrator{
		engines:      make(map[string]Engine),
		classifier:   classifier.New(),
		largeSize:    DefaultLargeSize,
		probeTimeout: DefaultProbeTimeout,
		baseTimeout:  DefaultBaseTimeout,
		perMB:        DefaultTimeoutPerMB,
		maxTimeout:   DefaultMaxTimeout,
		logger:       slog.Default().With("component", "ocr"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Classify samples PDFs. Other formats are not sampled and report unknown.
func (o *Orchestrator) Classify(req Request) classifier.Classification {
	if !IsPDF(req) {
		return classifier.Unknown
	}
	return o.classifier.Classify(req.FileBytes)
}

// PlanFor maps a classified document to its engine chain.
func (o *Orchestrator) PlanFor(req Request, intent Intent, cls classifier.Classification) Plan {
	p := Plan{Classification: cls}
	switch {
	case IsImage(req):
		p.Route, p.Engines = RouteImage, []string{EngineVision}
		return p
	case !IsPDF(req) || !intent.OCR:
		p.Route, p.Engines = RoutePlain, []string{EnginePlain}
		return p
	}

	switch cls {
	case classifier.TextBased:
		p.Route, p.Engines = RouteTextBased, []string{EnginePlain}
		return p
	case classifier.Mixed:
		p.Route, p.Engines = RouteMixed, []string{EngineMixed, EnginePlain}
	default:
		if len(req.FileBytes) >= o.largeSize {
			p.Route, p.Engines = RouteScannedLg, []string{EngineRobust, EngineFast, EnginePlain}
		} else {
			p.Route, p.Engines = RouteScannedSm, []string{EngineFast, EngineRobust, EnginePlain}
		}
	}

	if pref := intent.PreferredEngine; ValidPreference(pref) {
		p.Engines = promote(p.Engines, pref)
	}
	return p
}

// ValidPreference reports whether name may be requested as the preferred
// engine. Only the recognition engines used for scanned and mixed PDFs
// qualify.
func ValidPreference(name string) bool {
	switch name {
	case EngineFast, EngineRobust, EngineMixed:
		return true
	}
	return false
}

func promote(chain []string, name string) []string {
	out := make([]string, 0, len(chain)+1)
	out = append(out, name)
	for _, n := range chain {
		if n != name {
			out = append(out, n)
		}
	}
	return out
}

// Extract classifies the document and runs its chain.
func (o *Orchestrator) Extract(ctx context.Context, req Request, intent Intent) (*Outcome, error) {
	return o.Run(ctx, req, intent, o.Classify(req))
}

// Run walks the chain for an already classified document. It returns an
// *ExhaustedError when nothing succeeded, or ctx.Err() once ctx is done.
func (o *Orchestrator) Run(ctx context.Context, req Request, intent Intent, cls classifier.Classification) (*Outcome, error) {
	if req.DeviceHint == "" {
		req.DeviceHint = DeviceAuto
	}
	plan := o.PlanFor(req, intent, cls)
	logger := o.logger.With("file", req.Filename, "route", plan.Route)
	logger.Info("extraction plan", "classification", cls, "engines", plan.Engines)

	var attempts []Attempt
	for _, name := range plan.Engines {
		engine, ok := o.engines[name]
		if !ok {
			logger.Debug("engine not configured", "engine", name)
			continue
		}

		started := time.Now()
		step := withProbeMemo(ctx)
		if err := o.probe(step, engine); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			logger.Warn("engine unhealthy, skipping", "engine", name, "reason", err)
			attempts = append(attempts, Attempt{Engine: name, Outcome: OutcomeUnhealthy, Reason: err.Error(), Duration: time.Since(started)})
			continue
		}

		res, err := o.invoke(step, engine, req)
		elapsed := time.Since(started)
		if err == nil && (res == nil || !res.Success) {
			err = ErrEngineFailed
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			logger.Warn("engine failed", "engine", name, "reason", err)
			attempts = append(attempts, Attempt{Engine: name, Outcome: OutcomeFailed, Reason: err.Error(), Duration: elapsed})
			continue
		}

		attempts = append(attempts, Attempt{Engine: name, Outcome: OutcomeSuccess, Duration: elapsed})
		logger.Info("extraction succeeded", "engine", name, "chars", len(res.Text), "images", len(res.Images))
		return &Outcome{Plan: plan, Engine: name, Result: res, Attempts: attempts}, nil
	}

	return nil, &ExhaustedError{Attempts: attempts}
}

func (o *Orchestrator) probe(ctx context.Context, e Engine) error {
	pctx, cancel := context.WithTimeout(ctx, o.probeTimeout)
	defer cancel()
	return e.Health(pctx)
}

func (o *Orchestrator) invoke(ctx context.Context, e Engine, req Request) (*Result, error) {
	ictx, cancel := context.WithTimeout(ctx, o.InvokeTimeout(len(req.FileBytes)))
	defer cancel()
	res, err := e.Process(ictx, req)
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return nil, errors.New("invocation timed out")
	}
	return res, err
}

// InvokeTimeout is the deadline for one engine call on a document of size bytes.
func (o *Orchestrator) InvokeTimeout(size int) time.Duration {
	mb := (size + (1<<20 - 1)) >> 20
	d := o.baseTimeout + time.Duration(mb)*o.perMB
	if d > o.maxTimeout {
		return o.maxTimeout
	}
	return d
}

// IsPDF reports whether the request carries a PDF by type, name or magic.
func IsPDF(req Request) bool {
	if strings.HasPrefix(req.ContentType, "application/pdf") {
		return true
	}
	if strings.EqualFold(filepath.Ext(req.Filename), ".pdf") {
		return true
	}
	return bytes.HasPrefix(req.FileBytes, []byte("%PDF-"))
}

// IsImage reports whether the request is a standalone image file.
func IsImage(req Request) bool {
	if strings.HasPrefix(req.ContentType, "image/") {
		return true
	}
	if req.ContentType != "" && req.ContentType != "application/octet-stream" {
		return false
	}
	return strings.HasPrefix(http.DetectContentType(req.FileBytes), "image/")
}
