// handlers.go - HTTP handlers for packaging extraction and health checks

package api

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/bosocmputer/pharma_ocr_router/configs"
	"github.com/bosocmputer/pharma_ocr_router/internal/common"
	"github.com/bosocmputer/pharma_ocr_router/internal/fallback"
	"github.com/bosocmputer/pharma_ocr_router/internal/routing"
)

// maxImageBytes caps a single downloaded or decoded image
const maxImageBytes = 20 << 20

// Runner executes one fallback run (satisfied by *fallback.Orchestrator)
type Runner interface {
	RunFallback(ctx context.Context, req common.ExtractionRequest, opts fallback.Options) *fallback.FallbackOutcome
}

// RoutingAdmin exposes the routing policy and assignment cache (satisfied by *routing.Resolver)
type RoutingAdmin interface {
	Policy() *routing.Policy
	Invalidate(tierID string)
	Clear()
}

// ImageInput is one image given either by URL or inline base64
type ImageInput struct {
	URL      string `json:"url,omitempty"`
	Base64   string `json:"base64,omitempty"`
	MIMEType string `json:"mime_type,omitempty"`
}

// OptionsInput overrides the fallback defaults; zero or absent values keep the default
type OptionsInput struct {
	MaxAttempts              int      `json:"max_attempts"`
	MaxTimeMS                int64    `json:"max_time_ms"`
	PreferredProviders       []string `json:"preferred_providers"`
	EnablePreprocessingRetry *bool    `json:"enable_preprocessing_retry"`
	MinConfidence            *float64 `json:"min_confidence"`
	EnableManualFallback     *bool    `json:"enable_manual_fallback"`
}

// ExtractRequest is the body of POST /api/v1/extract
type ExtractRequest struct {
	TierID      string       `json:"tier_id"`
	Task        string       `json:"task"`
	Prompt      string       `json:"prompt"`
	Images      []ImageInput `json:"images"`
	MaxTokens   int          `json:"max_tokens"`
	Temperature *float32     `json:"temperature"`
	Options     OptionsInput `json:"options"`
}

// Handler serves the extraction API
type Handler struct {
	runner     Runner
	routing    RoutingAdmin
	providers  []string
	httpClient *http.Client
	maxImages  int
}

// NewHandler creates a handler; providers is reported by /health
func NewHandler(runner Runner, providers []string) *Handler {
	timeout := configs.IMAGE_DOWNLOAD_TIMEOUT
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	maxImages := configs.MAX_IMAGES_PER_REQUEST
	if maxImages <= 0 {
		maxImages = 4
	}
	return &Handler{
		runner:     runner,
		providers:  providers,
		httpClient: &http.Client{Timeout: timeout},
		maxImages:  maxImages,
	}
}

// WithRouting enables the /api/v1/routing endpoints
func (h *Handler) WithRouting(admin RoutingAdmin) *Handler {
	h.routing = admin
	return h
}

// Register mounts the routes on r
func (h *Handler) Register(r gin.IRouter) {
	r.GET("/", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})
	r.GET("/health", h.Health)
	r.POST("/api/v1/extract", h.Extract)

	if h.routing != nil {
		r.GET("/api/v1/routing/policy", h.RoutingPolicy)
		r.POST("/api/v1/routing/invalidate", h.InvalidateRouting)
	}
}

// RoutingPolicy returns the tier policy in effect
func (h *Handler) RoutingPolicy(c *gin.Context) {
	c.JSON(http.StatusOK, h.routing.Policy())
}

// InvalidateRequest is the body of POST /api/v1/routing/invalidate; an empty tier clears every tier
type InvalidateRequest struct {
	TierID string `json:"tier_id"`
}

// InvalidateRouting drops cached assignments so the next request re-reads the store
func (h *Handler) InvalidateRouting(c *gin.Context) {
	var req InvalidateRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "Invalid request format",
				"details": err.Error(),
			})
			return
		}
	}

	if req.TierID == "" {
		h.routing.Clear()
		zap.L().Info("routing cache cleared")
		c.JSON(http.StatusOK, gin.H{"invalidated": "all"})
		return
	}
	if _, ok := h.routing.Policy().Tier(req.TierID); !ok {
		c.JSON(http.StatusNotFound, gin.H{
			"error": fmt.Sprintf("unknown tier %q", req.TierID),
		})
		return
	}
	h.routing.Invalidate(req.TierID)
	zap.L().Info("routing cache invalidated", zap.String("tier", req.TierID))
	c.JSON(http.StatusOK, gin.H{"invalidated": req.TierID})
}

// Health reports liveness and the registered providers
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"service":   "pharma-ocr-router",
		"version":   "1.0.0",
		"providers": h.providers,
	})
}

// Extract handles POST /api/v1/extract. A well-formed request always gets 200 with the
// outcome, degraded or not.
func (h *Handler) Extract(c *gin.Context) {
	var req ExtractRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":    "Invalid request format",
			"details":  err.Error(),
			"expected": "JSON with tier_id, task, prompt and images [{url|base64, mime_type}]",
		})
		return
	}

	task := common.TaskKind(strings.ToLower(strings.TrimSpace(req.Task)))
	if task == "" {
		task = common.TaskOCR
	}
	if !task.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("task must be one of ocr, verify, extract (got %q)", req.Task),
		})
		return
	}
	if task == common.TaskOCR && len(req.Images) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "images cannot be empty for task ocr",
		})
		return
	}
	if mc := req.Options.MinConfidence; mc != nil && (*mc < 0 || *mc > 1) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("options.min_confidence must be between 0 and 1 (got %g)", *mc),
		})
		return
	}
	if len(req.Images) > h.maxImages {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("at most %d images per request", h.maxImages),
		})
		return
	}

	images := make([]common.Blob, 0, len(req.Images))
	for i, in := range req.Images {
		blob, err := h.loadImage(c.Request.Context(), in)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":       "Failed to load image",
				"image_index": i,
				"details":     err.Error(),
			})
			return
		}
		images = append(images, blob)
	}

	extraction := common.ExtractionRequest{
		Task:        task,
		Prompt:      req.Prompt,
		Images:      images,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}

	outcome := h.runner.RunFallback(c.Request.Context(), extraction, buildOptions(req))

	zap.L().Info("extraction finished",
		zap.String("request_id", outcome.RequestID),
		zap.String("tier", req.TierID),
		zap.Bool("success", outcome.Success),
		zap.String("degradation", string(outcome.DegradationLevel)),
		zap.Int("attempts", outcome.TotalAttempts))

	c.JSON(http.StatusOK, outcome)
}

func buildOptions(req ExtractRequest) fallback.Options {
	opts := fallback.DefaultOptions()
	if req.TierID != "" {
		opts.TierID = req.TierID
	}
	o := req.Options
	if o.MaxAttempts > 0 {
		opts.MaxAttempts = o.MaxAttempts
	}
	if o.MaxTimeMS > 0 {
		opts.MaxTime = time.Duration(o.MaxTimeMS) * time.Millisecond
	}
	if len(o.PreferredProviders) > 0 {
		opts.PreferredProviders = o.PreferredProviders
	}
	if o.EnablePreprocessingRetry != nil {
		opts.EnablePreprocessingRetry = o.EnablePreprocessingRetry
	}
	if o.MinConfidence != nil {
		opts.MinConfidence = o.MinConfidence
	}
	if o.EnableManualFallback != nil {
		opts.EnableManualFallback = o.EnableManualFallback
	}
	return opts
}

func (h *Handler) loadImage(ctx context.Context, in ImageInput) (common.Blob, error) {
	switch {
	case in.Base64 != "":
		return decodeInlineImage(in)
	case in.URL != "":
		return h.downloadImage(ctx, in)
	default:
		return common.Blob{}, eris.New("image needs url or base64")
	}
}

// decodeInlineImage accepts raw base64 or a data URL
func decodeInlineImage(in ImageInput) (common.Blob, error) {
	payload := in.Base64
	mime := in.MIMEType
	if strings.HasPrefix(payload, "data:") {
		header, data, ok := strings.Cut(payload, ",")
		if !ok {
			return common.Blob{}, eris.New("malformed data URL")
		}
		payload = data
		if mime == "" {
			mime = strings.TrimSuffix(strings.TrimPrefix(header, "data:"), ";base64")
		}
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return common.Blob{}, eris.Wrap(err, "decode base64 image")
	}
	if len(data) == 0 {
		return common.Blob{}, eris.New("empty image")
	}
	if len(data) > maxImageBytes {
		return common.Blob{}, eris.Errorf("image exceeds %d bytes", maxImageBytes)
	}
	if mime == "" {
		mime = http.DetectContentType(data)
	}
	return common.Blob{Data: data, MIMEType: mime}, nil
}

// downloadImage fetches an image URL into memory
func (h *Handler) downloadImage(ctx context.Context, in ImageInput) (common.Blob, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, in.URL, nil)
	if err != nil {
		return common.Blob{}, eris.Wrap(err, "build image request")
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return common.Blob{}, eris.Wrap(err, "download image")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return common.Blob{}, eris.Errorf("download image: HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes+1))
	if err != nil {
		return common.Blob{}, eris.Wrap(err, "read image body")
	}
	if len(data) == 0 {
		return common.Blob{}, eris.New("empty image")
	}
	if len(data) > maxImageBytes {
		return common.Blob{}, eris.Errorf("image exceeds %d bytes", maxImageBytes)
	}

	mime := in.MIMEType
	if mime == "" {
		mime = resp.Header.Get("Content-Type")
	}
	if mime == "" || mime == "application/octet-stream" {
		mime = http.DetectContentType(data)
	}
	return common.Blob{Data: data, MIMEType: mime}, nil
}
