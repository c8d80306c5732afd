// imageprocessor.go - Image variants for the preprocessing retry stage

package processor

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/disintegration/imaging"
	"github.com/rotisserie/eris"

	"github.com/bosocmputer/pharma_ocr_router/internal/common"
)

// TransformConfig is one preprocessing recipe
type TransformConfig struct {
	Name        string  `json:"name" yaml:"name"`
	Contrast    float64 `json:"contrast" yaml:"contrast"` // imaging.AdjustContrast percentage, 0 skips
	Sharpen     float64 `json:"sharpen" yaml:"sharpen"`   // gaussian sigma, 0 skips
	JPEGQuality int     `json:"jpeg_quality" yaml:"jpeg_quality"`
	MaxWidth    int     `json:"max_width" yaml:"max_width"` // 0 keeps the original width
	Grayscale   bool    `json:"grayscale" yaml:"grayscale"`
}

// Hash returns a short stable identifier of the recipe parameters (Name excluded)
func (c TransformConfig) Hash() string {
	key := fmt.Sprintf("c=%.2f;s=%.2f;q=%d;w=%d;g=%t", c.Contrast, c.Sharpen, c.JPEGQuality, c.MaxWidth, c.Grayscale)
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:4])
}

// DefaultVariants is the fixed, ordered list tried by the preprocessing retry stage.
// Cheapest first: light cleanup, then aggressive for glossy foil, then a downscaled pass for
// very large photos that upset some vision endpoints.
var DefaultVariants = []TransformConfig{
	{Name: "standard", Contrast: 30, Sharpen: 1.5, JPEGQuality: 92, MaxWidth: 2000},
	{Name: "high-contrast", Contrast: 55, Sharpen: 3.0, JPEGQuality: 98, MaxWidth: 2500, Grayscale: true},
	{Name: "compact", Contrast: 20, Sharpen: 1.0, JPEGQuality: 85, MaxWidth: 1500, Grayscale: true},
}

// ApplyTransform decodes img, applies cfg and re-encodes as JPEG
func ApplyTransform(img common.Blob, cfg TransformConfig) (common.Blob, error) {
	src, err := imaging.Decode(bytes.NewReader(img.Data), imaging.AutoOrientation(true))
	if err != nil {
		return common.Blob{}, eris.Wrap(err, "processor: decode image")
	}

	if cfg.MaxWidth > 0 && src.Bounds().Dx() > cfg.MaxWidth {
		src = imaging.Resize(src, cfg.MaxWidth, 0, imaging.Lanczos)
	}

	out := imaging.Clone(src)
	if cfg.Grayscale {
		out = imaging.Grayscale(out)
	}
	if cfg.Contrast != 0 {
		out = imaging.AdjustContrast(out, cfg.Contrast)
	}
	if cfg.Sharpen > 0 {
		out = imaging.Sharpen(out, cfg.Sharpen)
	}

	quality := cfg.JPEGQuality
	if quality <= 0 || quality > 100 {
		quality = 90
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, out, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		return common.Blob{}, eris.Wrap(err, "processor: encode image")
	}

	return common.Blob{Data: buf.Bytes(), MIMEType: "image/jpeg"}, nil
}

// ApplyTransformAll transforms every image; the first failure aborts the variant
func ApplyTransformAll(images []common.Blob, cfg TransformConfig) ([]common.Blob, error) {
	out := make([]common.Blob, 0, len(images))
	for i, img := range images {
		t, err := ApplyTransform(img, cfg)
		if err != nil {
			return nil, eris.Wrapf(err, "processor: variant %s image %d", cfg.Name, i)
		}
		out = append(out, t)
	}
	return out, nil
}
