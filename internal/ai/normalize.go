// normalize.go - Turns loosely-shaped provider output into ExtractedFields

package ai

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/bosocmputer/pharma_ocr_router/internal/common"
	"github.com/bosocmputer/pharma_ocr_router/internal/processor"
)

// fieldAliases lists the keys vendors have been seen to use for each field, in preference order
var fieldAliases = struct {
	productName  []string
	batchNumber  []string
	expiryDate   []string
	manufacturer []string
}{
	productName:  []string{"product_name", "productName", "product", "drug_name", "name"},
	batchNumber:  []string{"batch_number", "batchNumber", "batch", "lot_number", "lotNumber", "lot", "batch_no"},
	expiryDate:   []string{"expiry_date", "expiryDate", "expiry", "expiration_date", "exp"},
	manufacturer: []string{"manufacturer", "manufactured_by", "mfr", "company"},
}

var sourceTextKeys = []string{"raw_text", "rawText", "text", "ocr_text"}

// ParseFields normalizes a provider's text output. JSON objects are read first; anything
// else goes through the plain-text heuristics. Never returns nil.
func ParseFields(content string) *common.ExtractedFields {
	if obj, ok := decodeJSONObject(content); ok {
		return &common.ExtractedFields{
			ProductName:  pick(obj, fieldAliases.productName),
			BatchNumber:  pick(obj, fieldAliases.batchNumber),
			ExpiryDate:   pick(obj, fieldAliases.expiryDate),
			Manufacturer: pick(obj, fieldAliases.manufacturer),
		}
	}
	return processor.ExtractFieldsFromText(content)
}

// SourceText returns the text a provider read off the package, for cross-checking its fields.
// Plain-text output is its own source. JSON output is only checkable when it carries the
// transcription (raw_text); otherwise the result is empty and no cross-check applies.
func SourceText(content string) string {
	root, ok := decodeJSONRoot(content)
	if !ok {
		return content
	}
	if inner, ok := nestedPayload(root); ok {
		if s := pick(inner, sourceTextKeys); s != nil {
			return *s
		}
	}
	if s := pick(root, sourceTextKeys); s != nil {
		return *s
	}
	return ""
}

func decodeJSONObject(content string) (map[string]interface{}, bool) {
	obj, ok := decodeJSONRoot(content)
	if !ok {
		return nil, false
	}
	if inner, ok := nestedPayload(obj); ok {
		return inner, true
	}
	return obj, true
}

// nestedPayload finds the fields object some vendors nest one level down
func nestedPayload(obj map[string]interface{}) (map[string]interface{}, bool) {
	for _, key := range []string{"fields", "data", "result"} {
		if inner, ok := obj[key].(map[string]interface{}); ok {
			return inner, true
		}
	}
	return nil, false
}

func decodeJSONRoot(content string) (map[string]interface{}, bool) {
	s := strings.TrimSpace(content)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")

	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return nil, false
	}
	s = repairJSONStrings(s[start : end+1])

	var obj map[string]interface{}
	if err := json.Unmarshal([]byte(s), &obj); err != nil {
		return nil, false
	}
	return obj, true
}

func pick(obj map[string]interface{}, keys []string) *string {
	for _, k := range keys {
		v, ok := obj[k]
		if !ok || v == nil {
			continue
		}
		var s string
		switch t := v.(type) {
		case string:
			s = t
		case float64:
			s = strconv.FormatFloat(t, 'f', -1, 64)
		case bool, map[string]interface{}, []interface{}:
			continue
		default:
			s = fmt.Sprint(t)
		}
		if out := common.OptionalString(s); out != nil {
			return out
		}
	}
	return nil
}

// repairJSONStrings escapes raw control characters that models sometimes leave inside
// string literals, which encoding/json rejects.
func repairJSONStrings(s string) string {
	var b strings.Builder
	b.Grow(len(s))

	inString, escaped := false, false
	for _, r := range s {
		if inString {
			switch {
			case escaped:
				escaped = false
			case r == '\\':
				escaped = true
			case r == '"':
				inString = false
			case r == '\n':
				b.WriteString(`\n`)
				continue
			case r == '\r':
				b.WriteString(`\r`)
				continue
			case r == '\t':
				b.WriteString(`\t`)
				continue
			}
		} else if r == '"' {
			inString = true
		}
		b.WriteRune(r)
	}
	return b.String()
}
