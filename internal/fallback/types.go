// types.go - Options, attempt log and outcome of one fallback run

package fallback

import (
	"fmt"
	"time"

	"github.com/bosocmputer/pharma_ocr_router/configs"
	"github.com/bosocmputer/pharma_ocr_router/internal/ai"
	"github.com/bosocmputer/pharma_ocr_router/internal/common"
	"github.com/bosocmputer/pharma_ocr_router/internal/processor"
)

// StrategyPrimary labels attempts of the primary provider pass
const StrategyPrimary = "primary"

const preprocessingPrefix = "preprocessing-retry:"

// PreprocessingStrategy labels an attempt made on a transformed image
func PreprocessingStrategy(cfg processor.TransformConfig) string {
	return preprocessingPrefix + cfg.Hash()
}

// IsPreprocessingStrategy reports whether label was produced by PreprocessingStrategy
func IsPreprocessingStrategy(label string) bool {
	return len(label) > len(preprocessingPrefix) && label[:len(preprocessingPrefix)] == preprocessingPrefix
}

// DegradationLevel says how far the run fell short of a confident automatic answer
type DegradationLevel string

const (
	DegradationNone        DegradationLevel = "none"
	DegradationManualInput DegradationLevel = "manual_input"
	DegradationTextOnly    DegradationLevel = "text_only"
)

// Stage names used in the decision log and request steps
const (
	StagePrimary       = "primary_multi_strategy"
	StagePreprocessing = "preprocessing_retry"
	StageManualInput   = "manual_input_degradation"
	StageTextOnly      = "text_only_degradation"
)

// Options are the caller-facing knobs of one run. Zero numbers and nil pointers take the
// default. MinConfidence set to 0 accepts the best answer of the primary pass, whatever its score.
type Options struct {
	MaxAttempts              int           `json:"max_attempts"`
	MaxTime                  time.Duration `json:"-"`
	PreferredProviders       []string      `json:"preferred_providers,omitempty"`
	TierID                   string        `json:"tier_id"`
	EnablePreprocessingRetry *bool         `json:"enable_preprocessing_retry,omitempty"`
	MinConfidence            *float64      `json:"min_confidence,omitempty"`
	EnableManualFallback     *bool         `json:"enable_manual_fallback,omitempty"`
}

// Bool returns a pointer to v, for Options fields
func Bool(v bool) *bool {
	return &v
}

// Float64 returns a pointer to v, for Options fields
func Float64(v float64) *float64 {
	return &v
}

// DefaultOptions returns the configured defaults (5 attempts, 30s, tier free, min confidence 0.7)
func DefaultOptions() Options {
	return Options{
		MaxAttempts:              intOr(configs.FALLBACK_MAX_ATTEMPTS, 5),
		MaxTime:                  durationOr(configs.FALLBACK_MAX_TIME, 30*time.Second),
		TierID:                   "free",
		EnablePreprocessingRetry: Bool(configs.ENABLE_PREPROCESSING_RETRY),
		MinConfidence:            Float64(floatOr(configs.FALLBACK_MIN_CONFIDENCE, 0.7)),
		EnableManualFallback:     Bool(configs.ENABLE_MANUAL_FALLBACK),
	}
}

// withDefaults fills zero and nil fields from DefaultOptions
func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = d.MaxAttempts
	}
	if o.MaxTime <= 0 {
		o.MaxTime = d.MaxTime
	}
	if o.TierID == "" {
		o.TierID = d.TierID
	}
	if o.EnablePreprocessingRetry == nil {
		o.EnablePreprocessingRetry = d.EnablePreprocessingRetry
	}
	if o.MinConfidence == nil || *o.MinConfidence < 0 {
		o.MinConfidence = d.MinConfidence
	}
	if o.EnableManualFallback == nil {
		o.EnableManualFallback = d.EnableManualFallback
	}
	return o
}

func (o Options) preprocessingEnabled() bool {
	return o.EnablePreprocessingRetry != nil && *o.EnablePreprocessingRetry
}

func (o Options) manualFallbackEnabled() bool {
	return o.EnableManualFallback != nil && *o.EnableManualFallback
}

func (o Options) minConfidence() float64 {
	if o.MinConfidence == nil {
		return 0
	}
	return *o.MinConfidence
}

// Config holds the engine-level thresholds that callers do not set per request
type Config struct {
	PrimaryFloor               float64
	PreprocessingFloor         float64
	PreprocessingProviders     []string
	PreprocessingProviderLimit int
	Variants                   []processor.TransformConfig
	CallTimeout                time.Duration
}

// DefaultConfig returns the configured engine thresholds
func DefaultConfig() Config {
	providers := configs.PREPROCESS_PROVIDERS
	if len(providers) == 0 {
		providers = []string{"gemini", "mistral", "anthropic"}
	}
	return Config{
		PrimaryFloor:               floatOr(configs.PRIMARY_ACCEPT_FLOOR, 0.3),
		PreprocessingFloor:         floatOr(configs.PREPROCESS_ACCEPT_FLOOR, 0.5),
		PreprocessingProviders:     providers,
		PreprocessingProviderLimit: intOr(configs.PREPROCESS_PROVIDER_LIMIT, 2),
		Variants:                   processor.DefaultVariants,
		CallTimeout:                durationOr(configs.PROVIDER_CALL_TIMEOUT, 60*time.Second),
	}
}

// AttemptRecord is one provider call. Success means the call returned fields, not that they
// were confident enough.
type AttemptRecord struct {
	ProviderID   string                      `json:"provider_id"`
	RedirectedTo string                      `json:"redirected_to,omitempty"`
	Strategy     string                      `json:"strategy"`
	Model        string                      `json:"model,omitempty"`
	Success      bool                        `json:"success"`
	Fields       *common.ExtractedFields     `json:"fields,omitempty"`
	Confidence   float64                     `json:"confidence"`
	Validation   *processor.ValidationResult `json:"-"`
	Err          string                      `json:"error,omitempty"`
	ErrorKind    ai.ErrorKind                `json:"error_kind,omitempty"`
	Duration     time.Duration               `json:"-"`
	DurationMS   int64                       `json:"duration_ms"`
	CostUSD      float64                     `json:"cost_usd"`
	Usage        common.TokenUsage           `json:"usage"`
	StartedAt    time.Time                   `json:"started_at"`
}

// BilledProvider is the provider whose account served the call: the redirect target when the
// assignment was redirected for vision
func (a AttemptRecord) BilledProvider() string {
	if a.RedirectedTo != "" {
		return a.RedirectedTo
	}
	return a.ProviderID
}

// TierContext identifies the run an attempt belongs to
type TierContext struct {
	RequestID string          `json:"request_id"`
	TierID    string          `json:"tier_id"`
	Task      common.TaskKind `json:"task"`
}

// Recorder receives every attempt. Implementations must not block.
type Recorder interface {
	Record(attempt AttemptRecord, tc TierContext)
}

// QuotaError is returned by Invoke when the attempt failed on quota or billing. ProviderID is
// the billed provider; RedirectedFrom names the assigned one when a vision redirect happened.
type QuotaError struct {
	ProviderID     string
	RedirectedFrom string
	Message        string
}

func (e *QuotaError) Error() string {
	if e.RedirectedFrom != "" {
		return fmt.Sprintf("quota exceeded for %s (redirected from %s): %s", e.ProviderID, e.RedirectedFrom, e.Message)
	}
	return fmt.Sprintf("quota exceeded for %s: %s", e.ProviderID, e.Message)
}

// FallbackOutcome is the terminal result of one run
type FallbackOutcome struct {
	RequestID        string                      `json:"request_id"`
	Success          bool                        `json:"success"`
	Fields           *common.ExtractedFields     `json:"fields,omitempty"`
	DegradationLevel DegradationLevel            `json:"degradation_level"`
	TotalAttempts    int                         `json:"total_attempts"`
	TotalTime        time.Duration               `json:"-"`
	TotalTimeMS      int64                       `json:"total_time_ms"`
	Attempts         []AttemptRecord             `json:"attempts"`
	Recommendations  []string                    `json:"recommendations,omitempty"`
	Confidence       float64                     `json:"confidence"`
	Validation       *processor.ValidationResult `json:"validation,omitempty"`
	Decisions        []string                    `json:"decisions"`
	FinalStage       string                      `json:"final_stage"`
	TotalCostUSD     float64                     `json:"total_cost_usd"`
}

func intOr(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}

func floatOr(v, fallback float64) float64 {
	if v > 0 {
		return v
	}
	return fallback
}

func durationOr(v, fallback time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return fallback
}
