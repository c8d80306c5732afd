// recorder.go - Asynchronous usage ledger and quota escalation

package usage

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bosocmputer/pharma_ocr_router/configs"
	"github.com/bosocmputer/pharma_ocr_router/internal/ai"
	"github.com/bosocmputer/pharma_ocr_router/internal/fallback"
)

// Record is one row of the usage ledger
type Record struct {
	ID           string          `json:"id" bson:"_id"`
	RequestID    string          `json:"request_id" bson:"request_id"`
	TierID       string          `json:"tier_id" bson:"tier_id"`
	Task         string          `json:"task" bson:"task"`
	ProviderID   string          `json:"provider_id" bson:"provider_id"`
	RedirectedTo string          `json:"redirected_to,omitempty" bson:"redirected_to,omitempty"`
	Strategy     string          `json:"strategy" bson:"strategy"`
	Model        string          `json:"model,omitempty" bson:"model,omitempty"`
	Success      bool            `json:"success" bson:"success"`
	Confidence   float64         `json:"confidence" bson:"confidence"`
	ErrorKind    ai.ErrorKind    `json:"error_kind,omitempty" bson:"error_kind,omitempty"`
	Error        string          `json:"error,omitempty" bson:"error,omitempty"`
	DurationMS   int64           `json:"duration_ms" bson:"duration_ms"`
	CostUSD      float64         `json:"cost_usd" bson:"cost_usd"`
	Usage        TokenUsageEntry `json:"usage" bson:"usage"`
	StartedAt    time.Time       `json:"started_at" bson:"started_at"`
	CreatedAt    time.Time       `json:"created_at" bson:"created_at"`
}

// TokenUsageEntry mirrors common.TokenUsage for storage
type TokenUsageEntry struct {
	InputTokens  int `json:"input_tokens" bson:"input_tokens"`
	OutputTokens int `json:"output_tokens" bson:"output_tokens"`
	Pages        int `json:"pages,omitempty" bson:"pages,omitempty"`
}

// Escalation is an operator alert raised for a quota or billing failure. ProviderID is the
// account that failed; RedirectedFrom is set when a vision redirect sent the call there.
type Escalation struct {
	ID             string       `json:"id" bson:"_id"`
	RequestID      string       `json:"request_id" bson:"request_id"`
	TierID         string       `json:"tier_id" bson:"tier_id"`
	ProviderID     string       `json:"provider_id" bson:"provider_id"`
	RedirectedFrom string       `json:"redirected_from,omitempty" bson:"redirected_from,omitempty"`
	Strategy       string       `json:"strategy" bson:"strategy"`
	Kind           ai.ErrorKind `json:"kind" bson:"kind"`
	Message        string       `json:"message" bson:"message"`
	CreatedAt      time.Time    `json:"created_at" bson:"created_at"`
}

// Store persists usage records (append-only)
type Store interface {
	InsertUsage(ctx context.Context, rec Record) error
}

// Escalator delivers an escalation to one operator channel
type Escalator interface {
	Escalate(ctx context.Context, e Escalation) error
}

type job struct {
	attempt fallback.AttemptRecord
	tc      fallback.TierContext
}

// Recorder persists attempts on a background goroutine. Record never blocks the caller:
// when the queue is full the record is dropped and a warning is logged.
type Recorder struct {
	store        Store
	escalators   []Escalator
	queue        chan job
	writeTimeout time.Duration
	now          func() time.Time

	done      chan struct{}
	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

// RecorderOption configures a Recorder
type RecorderOption func(*Recorder)

// WithQueueSize sets the buffered queue length
func WithQueueSize(n int) RecorderOption {
	return func(r *Recorder) {
		if n > 0 {
			r.queue = make(chan job, n)
		}
	}
}

// WithWriteTimeout bounds each store or escalator call
func WithWriteTimeout(d time.Duration) RecorderOption {
	return func(r *Recorder) { r.writeTimeout = d }
}

// NewRecorder starts the background writer. store may be nil (nothing persisted).
func NewRecorder(store Store, escalators []Escalator, opts ...RecorderOption) *Recorder {
	size := configs.USAGE_QUEUE_SIZE
	if size <= 0 {
		size = 1024
	}
	r := &Recorder{
		store:        store,
		escalators:   escalators,
		queue:        make(chan job, size),
		writeTimeout: 5 * time.Second,
		now:          time.Now,
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}

	go r.loop()
	return r
}

// Record enqueues an attempt; it implements fallback.Recorder
func (r *Recorder) Record(attempt fallback.AttemptRecord, tc fallback.TierContext) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		zap.L().Warn("usage recorder closed, attempt dropped",
			zap.String("request_id", tc.RequestID),
			zap.String("provider", attempt.ProviderID))
		return
	}

	select {
	case r.queue <- job{attempt: attempt, tc: tc}:
	default:
		zap.L().Warn("usage queue full, attempt dropped",
			zap.String("request_id", tc.RequestID),
			zap.String("provider", attempt.ProviderID),
			zap.Int("queue_size", cap(r.queue)))
	}
}

// Close stops accepting records and waits for the queue to drain or ctx to expire
func (r *Recorder) Close(ctx context.Context) error {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		close(r.queue)
		r.mu.Unlock()
	})

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Recorder) loop() {
	defer close(r.done)
	for j := range r.queue {
		r.handle(j)
	}
}

func (r *Recorder) handle(j job) {
	a := j.attempt

	if r.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), r.writeTimeout)
		if err := r.store.InsertUsage(ctx, r.toRecord(j)); err != nil {
			zap.L().Warn("usage record not persisted",
				zap.String("request_id", j.tc.RequestID),
				zap.String("provider", a.ProviderID),
				zap.Error(err))
		}
		cancel()
	}

	if a.Success {
		return
	}

	kind := a.ErrorKind
	if kind == ai.ErrorKindNone {
		kind = ai.ClassifyError(a.Err)
	}
	if kind != ai.ErrorKindQuota {
		return
	}

	esc := Escalation{
		ID:         uuid.New().String(),
		RequestID:  j.tc.RequestID,
		TierID:     j.tc.TierID,
		ProviderID: a.BilledProvider(),
		Strategy:   a.Strategy,
		Kind:       kind,
		Message:    a.Err,
		CreatedAt:  r.now().UTC(),
	}
	if a.RedirectedTo != "" {
		esc.RedirectedFrom = a.ProviderID
	}

	zap.L().Error("provider quota or billing failure",
		zap.String("request_id", esc.RequestID),
		zap.String("tier", esc.TierID),
		zap.String("provider", esc.ProviderID),
		zap.String("error", esc.Message))

	for _, e := range r.escalators {
		ctx, cancel := context.WithTimeout(context.Background(), r.writeTimeout)
		if err := e.Escalate(ctx, esc); err != nil {
			zap.L().Warn("escalation not delivered",
				zap.String("request_id", esc.RequestID),
				zap.String("provider", esc.ProviderID),
				zap.Error(err))
		}
		cancel()
	}
}

func (r *Recorder) toRecord(j job) Record {
	a := j.attempt
	return Record{
		ID:           uuid.New().String(),
		RequestID:    j.tc.RequestID,
		TierID:       j.tc.TierID,
		Task:         string(j.tc.Task),
		ProviderID:   a.ProviderID,
		RedirectedTo: a.RedirectedTo,
		Strategy:     a.Strategy,
		Model:        a.Model,
		Success:      a.Success,
		Confidence:   a.Confidence,
		ErrorKind:    a.ErrorKind,
		Error:        a.Err,
		DurationMS:   a.DurationMS,
		CostUSD:      a.CostUSD,
		Usage: TokenUsageEntry{
			InputTokens:  a.Usage.InputTokens,
			OutputTokens: a.Usage.OutputTokens,
			Pages:        a.Usage.Pages,
		},
		StartedAt: a.StartedAt,
		CreatedAt: r.now().UTC(),
	}
}
