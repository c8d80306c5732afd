// request_context.go - Request tracking and logging system

package common

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// RequestContext tracks one extraction run with step timing and accumulated cost.
// Safe for use by the orchestrating goroutine plus concurrent log calls.
type RequestContext struct {
	RequestID        string
	TierID           string
	StartTime        time.Time
	Steps            []StepLog
	TotalTokens      TokenUsage
	CurrentStep      string
	CurrentStepStart time.Time

	logger *zap.Logger
	mu     sync.Mutex
}

// StepLog represents a single processing step
type StepLog struct {
	Name      string      `json:"name"`
	StartTime time.Time   `json:"start_time"`
	Duration  int64       `json:"duration_ms"`
	Status    string      `json:"status"` // "success", "failed", "skipped"
	Tokens    *TokenUsage `json:"tokens,omitempty"`
	Error     string      `json:"error,omitempty"`
}

// TokenUsage tracks API token consumption
type TokenUsage struct {
	InputTokens  int     `json:"input_tokens" bson:"input_tokens"`
	OutputTokens int     `json:"output_tokens" bson:"output_tokens"`
	TotalTokens  int     `json:"total_tokens" bson:"total_tokens"`
	Pages        int     `json:"pages,omitempty" bson:"pages,omitempty"`
	CostUSD      float64 `json:"cost_usd" bson:"cost_usd"`
}

// Add accumulates other into u
func (u *TokenUsage) Add(other TokenUsage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.TotalTokens += other.TotalTokens
	u.Pages += other.Pages
	u.CostUSD += other.CostUSD
}

// CalculateTokenCost computes USD cost from token counts and per-million pricing
func CalculateTokenCost(inputTokens, outputTokens int, inputPerMillion, outputPerMillion float64) TokenUsage {
	inputCost := float64(inputTokens) * inputPerMillion / 1_000_000
	outputCost := float64(outputTokens) * outputPerMillion / 1_000_000

	return TokenUsage{
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		TotalTokens:  inputTokens + outputTokens,
		CostUSD:      inputCost + outputCost,
	}
}

// CalculatePageCost computes USD cost for page-priced OCR endpoints
func CalculatePageCost(pages int, pricePerPage float64) TokenUsage {
	return TokenUsage{
		Pages:   pages,
		CostUSD: float64(pages) * pricePerPage,
	}
}

// NewRequestContext creates a new request tracking context
func NewRequestContext(tierID string) *RequestContext {
	reqID := uuid.New().String()
	now := time.Now()
	logger := zap.L().With(zap.String("request_id", reqID), zap.String("tier", tierID))

	logger.Info("request started")

	return &RequestContext{
		RequestID: reqID,
		TierID:    tierID,
		StartTime: now,
		Steps:     []StepLog{},
		logger:    logger,
	}
}

// Logger returns the request-scoped zap logger
func (rc *RequestContext) Logger() *zap.Logger {
	if rc == nil || rc.logger == nil {
		return zap.L()
	}
	return rc.logger
}

// StartStep begins tracking a new processing step
func (rc *RequestContext) StartStep(stepName string) {
	rc.mu.Lock()
	rc.CurrentStep = stepName
	rc.CurrentStepStart = time.Now()
	rc.mu.Unlock()

	rc.Logger().Debug("step started", zap.String("step", stepName))
}

// EndStep completes the current step and records timing
func (rc *RequestContext) EndStep(status string, tokens *TokenUsage, err error) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if rc.CurrentStep == "" {
		return
	}

	duration := time.Since(rc.CurrentStepStart).Milliseconds()
	stepLog := StepLog{
		Name:      rc.CurrentStep,
		StartTime: rc.CurrentStepStart,
		Duration:  duration,
		Status:    status,
		Tokens:    tokens,
	}

	fields := []zap.Field{
		zap.String("step", rc.CurrentStep),
		zap.String("status", status),
		zap.Int64("duration_ms", duration),
	}
	if tokens != nil {
		rc.TotalTokens.Add(*tokens)
		fields = append(fields, zap.Int("tokens", tokens.TotalTokens), zap.Float64("cost_usd", tokens.CostUSD))
	}

	if err != nil {
		stepLog.Error = err.Error()
		rc.Logger().Warn("step failed", append(fields, zap.Error(err))...)
	} else {
		rc.Logger().Info("step finished", fields...)
	}

	rc.Steps = append(rc.Steps, stepLog)
	rc.CurrentStep = ""
}

// LogWarning logs warning-level message with request ID
func (rc *RequestContext) LogWarning(format string, args ...interface{}) {
	rc.Logger().Warn(fmt.Sprintf(format, args...))
}

// GetSummary returns a final summary of the entire request
func (rc *RequestContext) GetSummary() map[string]interface{} {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	totalDuration := time.Since(rc.StartTime).Milliseconds()

	stepBreakdown := make(map[string]int64)
	for _, step := range rc.Steps {
		stepBreakdown[step.Name] += step.Duration
	}

	summary := map[string]interface{}{
		"request_id":        rc.RequestID,
		"tier_id":           rc.TierID,
		"total_duration_ms": totalDuration,
		"step_breakdown":    stepBreakdown,
		"total_steps":       len(rc.Steps),
		"token_usage": map[string]interface{}{
			"input_tokens":  rc.TotalTokens.InputTokens,
			"output_tokens": rc.TotalTokens.OutputTokens,
			"total_tokens":  rc.TotalTokens.TotalTokens,
			"pages":         rc.TotalTokens.Pages,
			"cost_usd":      fmt.Sprintf("$%.4f", rc.TotalTokens.CostUSD),
		},
	}

	rc.Logger().Info("request finished",
		zap.Int64("total_duration_ms", totalDuration),
		zap.Int("steps", len(rc.Steps)),
		zap.Int("tokens", rc.TotalTokens.TotalTokens),
		zap.Float64("cost_usd", rc.TotalTokens.CostUSD),
	)

	return summary
}
