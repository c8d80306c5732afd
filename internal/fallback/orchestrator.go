// orchestrator.go - Fallback ladder: primary providers → preprocessed images → manual input → text only

package fallback

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/bosocmputer/pharma_ocr_router/internal/common"
	"github.com/bosocmputer/pharma_ocr_router/internal/processor"
	"github.com/bosocmputer/pharma_ocr_router/internal/routing"
)

// ManualInputRecommendations are returned with DegradationManualInput
var ManualInputRecommendations = []string{
	"Enter the product name, batch number and expiry date from the packaging manually",
	"Retake the photo in even light with the batch and expiry print in focus",
	"Tilt glossy or foil packaging slightly to avoid glare",
	"Make sure the whole label fits inside the frame",
}

// TextOnlyRecommendations are returned with DegradationTextOnly
var TextOnlyRecommendations = []string{
	"Search by product name or batch number instead of scanning",
	"Check the product against the regulator's alert list by name",
	"Image recognition is unavailable right now, try scanning again later",
}

// AssignmentResolver returns the ordered providers of a tier (satisfied by *routing.Resolver)
type AssignmentResolver interface {
	Resolve(ctx context.Context, tierID string, task common.TaskKind) []routing.ProviderAssignment
}

// Orchestrator drives one request through the fallback ladder
type Orchestrator struct {
	resolver AssignmentResolver
	invoker  *Invoker
	recorder Recorder
	cfg      Config
	now      func() time.Time
}

// OrchestratorOption configures an Orchestrator
type OrchestratorOption func(*Orchestrator)

// WithClock overrides time.Now for budget checks
func WithClock(now func() time.Time) OrchestratorOption {
	return func(o *Orchestrator) { o.now = now }
}

// NewOrchestrator wires the ladder. recorder may be nil.
func NewOrchestrator(resolver AssignmentResolver, invoker *Invoker, recorder Recorder, cfg Config, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		resolver: resolver,
		invoker:  invoker,
		recorder: recorder,
		cfg:      cfg,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// run is the per-request state owned by a single RunFallback call
type run struct {
	o        *Orchestrator
	req      common.ExtractionRequest
	opts     Options
	rc       *common.RequestContext
	tc       TierContext
	out      *FallbackOutcome
	start    time.Time
	deadline time.Time
	best     *AttemptRecord

	assignments []routing.ProviderAssignment
}

// RunFallback resolves providers for the request's tier and walks the ladder until a confident
// answer is found or the run degrades. It never returns nil and never fails.
func (o *Orchestrator) RunFallback(ctx context.Context, req common.ExtractionRequest, opts Options) *FallbackOutcome {
	opts = opts.withDefaults()
	rc := common.NewRequestContext(opts.TierID)
	start := o.now()

	r := &run{
		o:        o,
		req:      req,
		opts:     opts,
		rc:       rc,
		tc:       TierContext{RequestID: rc.RequestID, TierID: opts.TierID, Task: req.Task},
		out:      &FallbackOutcome{RequestID: rc.RequestID, Attempts: []AttemptRecord{}, Decisions: []string{}},
		start:    start,
		deadline: start.Add(opts.MaxTime),
	}

	if r.primary(ctx) {
		return r.finish(true, DegradationNone, StagePrimary, nil)
	}
	if r.preprocessing(ctx) {
		return r.finish(true, DegradationNone, StagePreprocessing, nil)
	}
	if opts.manualFallbackEnabled() {
		r.decide("degrading to manual input")
		return r.finish(false, DegradationManualInput, StageManualInput, ManualInputRecommendations)
	}
	r.decide("manual input disabled, degrading to text only")
	return r.finish(false, DegradationTextOnly, StageTextOnly, TextOnlyRecommendations)
}

// primary tries the resolved providers in order. It reports whether the best candidate meets
// the caller's minimum confidence.
func (r *run) primary(ctx context.Context) bool {
	r.rc.StartStep(StagePrimary)

	r.assignments = r.o.resolver.Resolve(ctx, r.opts.TierID, r.req.Task)
	ordered := preferFirst(r.assignments, r.opts.PreferredProviders)
	r.decide("%s: %d provider(s) resolved for tier %s", StagePrimary, len(ordered), r.opts.TierID)

	var usage common.TokenUsage
	for _, a := range ordered {
		if !r.budgetLeft(ctx) {
			r.decide("%s: budget exhausted before %s", StagePrimary, a.ProviderID)
			break
		}
		rec := r.attempt(ctx, a, StrategyPrimary, r.req)
		usage.Add(rec.Usage)
		if rec.Success && rec.Confidence > r.o.cfg.PrimaryFloor {
			r.decide("%s: %s cleared the %.2f floor with %.4f", StagePrimary, a.ProviderID, r.o.cfg.PrimaryFloor, rec.Confidence)
			break
		}
	}

	if r.best != nil && r.best.Confidence >= r.opts.minConfidence() {
		r.rc.EndStep("success", &usage, nil)
		return true
	}

	if r.best != nil {
		r.decide("%s: best confidence %.4f below minimum %.2f", StagePrimary, r.best.Confidence, r.opts.minConfidence())
	} else {
		r.decide("%s: no provider returned fields", StagePrimary)
	}
	r.rc.EndStep("failed", &usage, nil)
	return false
}

// preprocessing retries vision providers on transformed images. It reports success on the
// first result above the preprocessing floor.
func (r *run) preprocessing(ctx context.Context) bool {
	switch {
	case !r.opts.preprocessingEnabled():
		r.decide("%s: skipped, disabled", StagePreprocessing)
		return false
	case !r.req.HasImages():
		r.decide("%s: skipped, no images", StagePreprocessing)
		return false
	case r.req.Task != common.TaskOCR:
		r.decide("%s: skipped, task is %s", StagePreprocessing, r.req.Task)
		return false
	case !r.budgetLeft(ctx):
		r.decide("%s: skipped, budget exhausted", StagePreprocessing)
		return false
	}

	candidates := r.preprocessingCandidates()
	if len(candidates) == 0 {
		r.decide("%s: skipped, no vision-capable provider", StagePreprocessing)
		return false
	}

	r.rc.StartStep(StagePreprocessing)
	var usage common.TokenUsage

	for _, variant := range r.o.cfg.Variants {
		if !r.budgetLeft(ctx) {
			r.decide("%s: budget exhausted before variant %s", StagePreprocessing, variant.Name)
			break
		}

		images, err := processor.ApplyTransformAll(r.req.Images, variant)
		if err != nil {
			r.decide("%s: variant %s skipped: %v", StagePreprocessing, variant.Name, err)
			continue
		}
		variantReq := r.req.WithImages(images)
		label := PreprocessingStrategy(variant)

		for _, a := range candidates {
			if !r.budgetLeft(ctx) {
				r.decide("%s: budget exhausted before %s on %s", StagePreprocessing, a.ProviderID, variant.Name)
				r.rc.EndStep("failed", &usage, nil)
				return false
			}
			rec := r.attempt(ctx, a, label, variantReq)
			usage.Add(rec.Usage)
			if rec.Success && rec.Confidence > r.o.cfg.PreprocessingFloor {
				r.decide("%s: %s accepted on variant %s with %.4f", StagePreprocessing, a.ProviderID, variant.Name, rec.Confidence)
				r.rc.EndStep("success", &usage, nil)
				return true
			}
		}
	}

	r.rc.EndStep("failed", &usage, nil)
	return false
}

// preprocessingCandidates picks up to the configured limit of vision-capable assignments:
// configured preprocessing providers first (in their fixed order), then the tier's own
// vision-capable providers by priority.
func (r *run) preprocessingCandidates() []routing.ProviderAssignment {
	resolved := r.assignments
	limit := r.o.cfg.PreprocessingProviderLimit
	if limit <= 0 {
		limit = 1
	}

	picked := make([]routing.ProviderAssignment, 0, limit)
	seen := make(map[string]bool)
	add := func(a routing.ProviderAssignment) {
		if len(picked) >= limit || seen[a.ProviderID] || !r.o.invoker.CanSeeImages(a) {
			return
		}
		seen[a.ProviderID] = true
		picked = append(picked, a)
	}

	for _, id := range r.o.cfg.PreprocessingProviders {
		for _, a := range resolved {
			if a.ProviderID == id {
				add(a)
				break
			}
		}
	}
	for _, a := range resolved {
		add(a)
	}
	return picked
}

func (r *run) attempt(ctx context.Context, a routing.ProviderAssignment, strategy string, req common.ExtractionRequest) AttemptRecord {
	rec, err := r.o.invoker.Invoke(ctx, a, req, strategy)
	r.out.Attempts = append(r.out.Attempts, rec)
	r.out.TotalCostUSD += rec.CostUSD

	if r.o.recorder != nil {
		r.o.recorder.Record(rec, r.tc)
	}

	var quotaErr *QuotaError
	switch {
	case errors.As(err, &quotaErr):
		r.rc.Logger().Warn("provider quota exhausted, continuing",
			zap.String("provider", quotaErr.ProviderID),
			zap.String("strategy", strategy),
			zap.String("error", quotaErr.Message))
	case !rec.Success:
		r.rc.Logger().Warn("provider attempt failed",
			zap.String("provider", rec.ProviderID),
			zap.String("strategy", strategy),
			zap.String("error", rec.Err))
	default:
		r.rc.Logger().Info("provider attempt finished",
			zap.String("provider", rec.ProviderID),
			zap.String("redirected_to", rec.RedirectedTo),
			zap.String("strategy", strategy),
			zap.Float64("confidence", rec.Confidence),
			zap.Int64("duration_ms", rec.DurationMS))
	}

	if rec.Success && (r.best == nil || rec.Confidence > r.best.Confidence) {
		best := rec
		r.best = &best
	}
	return rec
}

// budgetLeft checks the attempt budget, the soft deadline and caller cancellation
func (r *run) budgetLeft(ctx context.Context) bool {
	if len(r.out.Attempts) >= r.opts.MaxAttempts {
		return false
	}
	if !r.o.now().Before(r.deadline) {
		return false
	}
	return ctx.Err() == nil
}

func (r *run) decide(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	r.out.Decisions = append(r.out.Decisions, msg)
	r.rc.Logger().Debug("fallback decision", zap.String("decision", msg))
}

func (r *run) finish(success bool, level DegradationLevel, stage string, recommendations []string) *FallbackOutcome {
	out := r.out
	out.Success = success
	out.DegradationLevel = level
	out.FinalStage = stage
	out.TotalAttempts = len(out.Attempts)
	out.TotalTime = r.o.now().Sub(r.start)
	out.TotalTimeMS = out.TotalTime.Milliseconds()
	if len(recommendations) > 0 {
		out.Recommendations = slices.Clone(recommendations)
	}

	// degraded outcomes keep the best candidate so the manual form can be prefilled
	confLevel := "none"
	if r.best != nil {
		out.Fields = r.best.Fields
		out.Confidence = r.best.Confidence
		out.Validation = r.best.Validation
		if out.Validation != nil {
			confLevel = out.Validation.Level()
		}
	}
	if level != DegradationNone {
		r.rc.LogWarning("degraded to %s after %d attempt(s), best confidence %.4f (%s)",
			level, out.TotalAttempts, out.Confidence, confLevel)
	}

	summary := r.rc.GetSummary()
	r.rc.Logger().Info("fallback finished",
		zap.Bool("success", success),
		zap.String("degradation", string(level)),
		zap.String("stage", stage),
		zap.Int("attempts", out.TotalAttempts),
		zap.Float64("confidence", out.Confidence),
		zap.String("confidence_level", confLevel),
		zap.Any("steps", summary["step_breakdown"]))
	return out
}

// preferFirst moves preferred providers to the front, keeping resolution order within each group
func preferFirst(list []routing.ProviderAssignment, preferred []string) []routing.ProviderAssignment {
	if len(preferred) == 0 {
		return list
	}
	rank := func(a routing.ProviderAssignment) int {
		if slices.Contains(preferred, a.ProviderID) {
			return 0
		}
		return 1
	}
	out := slices.Clone(list)
	slices.SortStableFunc(out, func(a, b routing.ProviderAssignment) int {
		return rank(a) - rank(b)
	})
	return out
}
