// text_fields.go - Heuristic field extraction from plain OCR text

package processor

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/bosocmputer/pharma_ocr_router/internal/common"
)

var (
	batchLineRe  = regexp.MustCompile(`(?i)\b(?:batch|lot|b\.\s?no)\b\.?\s*(?:no\.?|number|#)?\s*[:.\-]?\s*([A-Z0-9][A-Z0-9\-_]{1,14})`)
	expiryLineRe = regexp.MustCompile(`(?i)\b(?:exp(?:iry)?|expires|expiration|use\s+by|best\s+before)\b\.?\s*(?:date)?\s*[:.\-]?\s*` +
		`([0-9]{4}[/\-.][0-9]{1,2}(?:[/\-.][0-9]{1,2})?|[0-9]{1,2}[/\-.][0-9]{1,2}[/\-.][0-9]{2,4}|[0-9]{1,2}[/\-.][0-9]{2,4}|[A-Z]{3}[A-Z]*[\s\-/.]*[0-9]{2,4})`)
	manufacturerLineRe = regexp.MustCompile(`(?im)\b(?:manufactured\s+by|mfd\.?\s+by|mfg\.?\s+by|marketed\s+by|manufacturer)\s*[:.\-]?\s*(.+)$`)
	markdownNoiseRe    = regexp.MustCompile(`^[#>*\-\s|]+|[*|]+$`)
)

// ExtractFieldsFromText pulls product details out of unstructured OCR output. Fields that
// cannot be located are left nil.
func ExtractFieldsFromText(raw string) *common.ExtractedFields {
	fields := &common.ExtractedFields{}
	if strings.TrimSpace(raw) == "" {
		return fields
	}

	if m := batchLineRe.FindStringSubmatch(raw); m != nil {
		fields.BatchNumber = common.OptionalString(strings.ToUpper(m[1]))
	}
	if m := expiryLineRe.FindStringSubmatch(raw); m != nil {
		fields.ExpiryDate = common.OptionalString(m[1])
	}
	if m := manufacturerLineRe.FindStringSubmatch(raw); m != nil {
		fields.Manufacturer = common.OptionalString(truncate(strings.TrimRight(m[1], " .,;"), 100))
	}
	fields.ProductName = guessProductName(raw)

	return fields
}

// guessProductName takes the first line that looks like a title: has letters, is not a
// batch/expiry/manufacturer line.
func guessProductName(raw string) *string {
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(markdownNoiseRe.ReplaceAllString(strings.TrimSpace(line), ""))
		if len([]rune(line)) < 2 {
			continue
		}
		if batchLineRe.MatchString(line) || expiryLineRe.MatchString(line) || manufacturerLineRe.MatchString(line) {
			continue
		}
		if !strings.ContainsFunc(line, unicode.IsLetter) {
			continue
		}
		return common.OptionalString(truncate(line, 100))
	}
	return nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
