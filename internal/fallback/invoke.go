// invoke.go - One provider call: path selection, vision redirect, normalization, scoring

package fallback

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/bosocmputer/pharma_ocr_router/internal/ai"
	"github.com/bosocmputer/pharma_ocr_router/internal/common"
	"github.com/bosocmputer/pharma_ocr_router/internal/processor"
	"github.com/bosocmputer/pharma_ocr_router/internal/routing"
)

// ProviderLookup finds adapters by provider id (satisfied by *ai.Registry)
type ProviderLookup interface {
	Get(name string) (ai.Provider, bool)
}

// Limiter paces calls per provider (satisfied by *ratelimit.Limiters)
type Limiter interface {
	Wait(ctx context.Context, provider string) error
}

// Invoker executes a single assignment against its adapter
type Invoker struct {
	providers   ProviderLookup
	limiter     Limiter
	validator   *processor.Validator
	callTimeout time.Duration
	now         func() time.Time
}

// NewInvoker creates an Invoker. limiter may be nil; callTimeout <= 0 uses 60s.
func NewInvoker(providers ProviderLookup, limiter Limiter, validator *processor.Validator, callTimeout time.Duration) *Invoker {
	if validator == nil {
		validator = processor.NewValidator()
	}
	return &Invoker{
		providers:   providers,
		limiter:     limiter,
		validator:   validator,
		callTimeout: durationOr(callTimeout, 60*time.Second),
		now:         time.Now,
	}
}

// CanSeeImages reports whether the assignment can serve a vision-OCR call, directly or by redirect
func (inv *Invoker) CanSeeImages(a routing.ProviderAssignment) bool {
	p, ok := inv.providers.Get(a.ProviderID)
	if !ok {
		return false
	}
	if p.Capabilities().Vision {
		return true
	}
	if a.Model.VisionRedirect == "" {
		return false
	}
	target, ok := inv.providers.Get(a.Model.VisionRedirect)
	return ok && target.Capabilities().Vision
}

// Invoke runs req against the assignment's provider and returns the attempt record.
// The error is non-nil only when the call failed on quota or billing (*QuotaError); every other
// failure is reported through the record alone.
func (inv *Invoker) Invoke(ctx context.Context, a routing.ProviderAssignment, req common.ExtractionRequest, strategy string) (AttemptRecord, error) {
	start := inv.now()
	rec := AttemptRecord{
		ProviderID: a.ProviderID,
		Strategy:   strategy,
		StartedAt:  start,
	}

	resp, err := inv.call(ctx, a, req, &rec)
	rec.Duration = inv.now().Sub(start)
	rec.DurationMS = rec.Duration.Milliseconds()

	if err != nil {
		rec.Err = err.Error()
		rec.ErrorKind = ai.ClassifyErr(err)
		if rec.ErrorKind == ai.ErrorKindQuota {
			qe := &QuotaError{ProviderID: rec.BilledProvider(), Message: rec.Err}
			if rec.RedirectedTo != "" {
				qe.RedirectedFrom = a.ProviderID
			}
			return rec, qe
		}
		return rec, nil
	}

	var fields common.ExtractedFields
	if resp.Fields != nil {
		fields = *resp.Fields
	} else {
		fields = *ai.ParseFields(resp.Content)
	}

	result := inv.validator.Validate(&fields, ai.SourceText(resp.Content))
	fields.Confidence = result.Composite

	rec.Success = true
	rec.Fields = &fields
	rec.Confidence = result.Composite
	rec.Validation = &result
	rec.Model = resp.Model
	rec.Usage = resp.Usage
	rec.CostUSD = resp.Usage.CostUSD
	return rec, nil
}

func (inv *Invoker) call(ctx context.Context, a routing.ProviderAssignment, req common.ExtractionRequest, rec *AttemptRecord) (*ai.Response, error) {
	provider, ok := inv.providers.Get(a.ProviderID)
	if !ok {
		return nil, eris.Errorf("fallback: provider %q is not registered", a.ProviderID)
	}

	useVision := req.HasImages() && req.Task == common.TaskOCR
	target := provider
	cred := ai.Credential{APIKey: a.Model.APIKey, Model: a.Model.Model}

	if useVision && !provider.Capabilities().Vision {
		if a.Model.VisionRedirect == "" {
			return nil, eris.Wrapf(ai.ErrVisionUnsupported, "fallback: %s", a.ProviderID)
		}
		redirected, ok := inv.providers.Get(a.Model.VisionRedirect)
		if !ok {
			return nil, eris.Errorf("fallback: vision redirect target %q is not registered", a.Model.VisionRedirect)
		}
		target = redirected
		rec.RedirectedTo = redirected.Name()
		// the redirect target runs on its own configured key and model
		cred = ai.Credential{}
	}
	if !useVision && !target.Capabilities().Text {
		return nil, eris.Wrapf(ai.ErrTextUnsupported, "fallback: %s", a.ProviderID)
	}

	if inv.limiter != nil {
		if err := inv.limiter.Wait(ctx, target.Name()); err != nil {
			return nil, err
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, inv.callTimeout)
	defer cancel()

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = a.Model.MaxTokens
	}
	temperature := req.Temperature
	if temperature == nil {
		temperature = a.Model.Temperature
	}

	textReq := ai.TextRequest{
		Prompt:      ai.BuildPrompt(req.Task, req.Prompt),
		MaxTokens:   maxTokens,
		Temperature: temperature,
		Credential:  cred,
	}

	var (
		resp *ai.Response
		err  error
	)
	if useVision {
		resp, err = target.ProcessVision(callCtx, ai.VisionRequest{TextRequest: textReq, Images: req.Images})
	} else {
		resp, err = target.ProcessText(callCtx, textReq)
	}
	if err != nil {
		return nil, err
	}
	if resp == nil || (resp.Fields == nil && resp.Content == "") {
		return nil, eris.Wrapf(ai.ErrEmptyResponse, "fallback: %s", target.Name())
	}
	return resp, nil
}
