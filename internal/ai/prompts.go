// prompts.go - Prompts sent to the generative providers

package ai

import (
	"strings"

	"github.com/bosocmputer/pharma_ocr_router/internal/common"
)

const packagingOCRPrompt = `You are reading a photo of pharmaceutical packaging.
Return ONLY a JSON object with these keys:
  "product_name", "batch_number", "expiry_date", "manufacturer", "raw_text".
Use null for anything you cannot read. Copy batch/lot numbers exactly as printed.
Keep expiry dates in the format printed on the pack.`

const verifyPrompt = `You are checking whether the details below describe a real pharmaceutical product.
Return ONLY a JSON object with keys "product_name", "batch_number", "expiry_date",
"manufacturer" holding the corrected values (null when unknown).`

const extractPrompt = `Extract the pharmaceutical product details from the text below.
Return ONLY a JSON object with keys "product_name", "batch_number", "expiry_date",
"manufacturer" (null when absent).`

// BuildPrompt combines the task instruction with caller-supplied context
func BuildPrompt(task common.TaskKind, userPrompt string) string {
	var base string
	switch task {
	case common.TaskVerify:
		base = verifyPrompt
	case common.TaskExtract:
		base = extractPrompt
	default:
		base = packagingOCRPrompt
	}

	userPrompt = strings.TrimSpace(userPrompt)
	if userPrompt == "" {
		return base
	}
	return base + "\n\n" + userPrompt
}
