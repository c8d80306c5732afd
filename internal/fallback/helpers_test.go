package fallback

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bosocmputer/pharma_ocr_router/internal/ai"
	"github.com/bosocmputer/pharma_ocr_router/internal/common"
	"github.com/bosocmputer/pharma_ocr_router/internal/processor"
	"github.com/bosocmputer/pharma_ocr_router/internal/routing"
)

func sp(s string) *string { return &s }

// highFields scores 0.955
func highFields() *common.ExtractedFields {
	return &common.ExtractedFields{
		ProductName:  sp("Paracetamol 500mg Tablets"),
		BatchNumber:  sp("AB12345"),
		ExpiryDate:   sp("12/2027"),
		Manufacturer: sp("Acme Pharma Ltd"),
	}
}

// mediumFields scores 0.6: above the primary floor, below the default minimum
func mediumFields() *common.ExtractedFields {
	return &common.ExtractedFields{ProductName: sp("Zentrix")}
}

// lowFields scores 0.1
func lowFields() *common.ExtractedFields {
	return &common.ExtractedFields{BatchNumber: sp("A1")}
}

type result struct {
	fields  *common.ExtractedFields
	content string
	err     error
	cost    float64
}

type providerCall struct {
	vision bool
	cred   ai.Credential
	images []common.Blob
	req    ai.TextRequest
}

type fakeProvider struct {
	name    string
	caps    ai.Capabilities
	results []result
	onCall  func()

	mu    sync.Mutex
	calls []providerCall
}

func newFake(name string, caps ai.Capabilities, results ...result) *fakeProvider {
	return &fakeProvider{name: name, caps: caps, results: results}
}

var (
	visionCaps = ai.Capabilities{Text: true, Vision: true}
	textCaps   = ai.Capabilities{Text: true}
	localCaps  = ai.Capabilities{Text: true, Vision: true, Local: true}
)

func (p *fakeProvider) Name() string {
	return p.name
}

func (p *fakeProvider) Capabilities() ai.Capabilities {
	return p.caps
}

func (p *fakeProvider) ProcessText(_ context.Context, req ai.TextRequest) (*ai.Response, error) {
	return p.respond(providerCall{cred: req.Credential, req: req})
}

func (p *fakeProvider) ProcessVision(_ context.Context, req ai.VisionRequest) (*ai.Response, error) {
	return p.respond(providerCall{vision: true, cred: req.Credential, images: req.Images, req: req.TextRequest})
}

func (p *fakeProvider) respond(c providerCall) (*ai.Response, error) {
	p.mu.Lock()
	n := len(p.calls)
	p.calls = append(p.calls, c)
	p.mu.Unlock()

	if p.onCall != nil {
		p.onCall()
	}

	r := result{fields: lowFields()}
	if len(p.results) > 0 {
		r = p.results[min(n, len(p.results)-1)]
	}
	if r.err != nil {
		return nil, r.err
	}
	return &ai.Response{
		Content: r.content,
		Fields:  r.fields,
		Model:   p.name + "-model",
		Usage:   common.TokenUsage{InputTokens: 100, OutputTokens: 20, CostUSD: r.cost},
	}, nil
}

func (p *fakeProvider) callLog() []providerCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]providerCall(nil), p.calls...)
}

type staticResolver struct {
	list []routing.ProviderAssignment
}

func (s staticResolver) Resolve(_ context.Context, tierID string, task common.TaskKind) []routing.ProviderAssignment {
	out := make([]routing.ProviderAssignment, len(s.list))
	for i, a := range s.list {
		a.TierID, a.Task = tierID, task
		out[i] = a
	}
	return out
}

func assign(ids ...string) []routing.ProviderAssignment {
	list := make([]routing.ProviderAssignment, 0, len(ids))
	for i, id := range ids {
		list = append(list, routing.ProviderAssignment{
			ProviderID: id,
			Priority:   i + 1,
			Active:     true,
			Model:      routing.ModelConfig{APIKey: id + "-key", Model: id + "-configured"},
		})
	}
	return list
}

type spyRecorder struct {
	mu      sync.Mutex
	records []AttemptRecord
	tiers   []TierContext
}

func (s *spyRecorder) Record(a AttemptRecord, tc TierContext) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, a)
	s.tiers = append(s.tiers, tc)
}

func (s *spyRecorder) quotaCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.records {
		if r.ErrorKind == ai.ErrorKindQuota {
			n++
		}
	}
	return n
}

func testValidator() *processor.Validator {
	return processor.NewValidator(processor.WithNow(func() time.Time {
		return time.Date(2026, time.June, 1, 0, 0, 0, 0, time.UTC)
	}))
}

func newTestInvoker(providers ...ai.Provider) *Invoker {
	return NewInvoker(ai.NewRegistry(providers...), nil, testValidator(), 5*time.Second)
}

type harness struct {
	orch     *Orchestrator
	recorder *spyRecorder
}

func newHarness(list []routing.ProviderAssignment, providers ...ai.Provider) harness {
	rec := &spyRecorder{}
	return harness{
		orch:     NewOrchestrator(staticResolver{list: list}, newTestInvoker(providers...), rec, DefaultConfig()),
		recorder: rec,
	}
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.EnablePreprocessingRetry = Bool(true)
	opts.EnableManualFallback = Bool(true)
	return opts
}

func pngImage(t *testing.T) common.Blob {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 40, 30))
	for x := 0; x < 40; x++ {
		for y := 0; y < 30; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 6), G: uint8(y * 8), B: 90, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return common.Blob{Data: buf.Bytes(), MIMEType: "image/png"}
}

func ocrRequest(t *testing.T) common.ExtractionRequest {
	return common.ExtractionRequest{Task: common.TaskOCR, Images: []common.Blob{pngImage(t)}}
}
