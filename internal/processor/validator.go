// validator.go - Plausibility scoring for extracted packaging fields
//
// Each field is checked on its own and scored in [0,1]. The composite is a weighted average
// over the fields that scored above zero; the batch check is a hard gate on IsValid.

package processor

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/bosocmputer/pharma_ocr_router/internal/common"
)

// ValidationWeights are the per-field weights of the composite (sum to 1.0)
type ValidationWeights struct {
	BatchNumber  float64
	ProductName  float64
	ExpiryDate   float64
	Manufacturer float64
}

// DefaultWeights ranks the batch number highest because it keys downstream alert matching
var DefaultWeights = ValidationWeights{
	BatchNumber:  0.40,
	ProductName:  0.30,
	ExpiryDate:   0.15,
	Manufacturer: 0.15,
}

// MinCompositeForValid is the composite needed (together with a valid batch) for IsValid
const MinCompositeForValid = 0.5

// presentFloor keeps a present-but-implausible field in the denominator
const presentFloor = 0.05

// FieldResult is the outcome of one field check
type FieldResult struct {
	Present     bool     `json:"present"`
	Valid       bool     `json:"valid"`
	Confidence  float64  `json:"confidence"`
	Issues      []string `json:"issues,omitempty"`
	Suggestions []string `json:"suggestions,omitempty"`
}

// FieldResults groups the per-field checks
type FieldResults struct {
	BatchNumber  FieldResult `json:"batch_number"`
	ProductName  FieldResult `json:"product_name"`
	ExpiryDate   FieldResult `json:"expiry_date"`
	Manufacturer FieldResult `json:"manufacturer"`
}

// ValidationResult is returned by Validate
type ValidationResult struct {
	PerField  FieldResults `json:"per_field"`
	Composite float64      `json:"composite_confidence"`
	IsValid   bool         `json:"is_valid"`
}

// Level maps the composite onto high / medium / low
func (r ValidationResult) Level() string {
	switch {
	case r.Composite >= 0.8:
		return "high"
	case r.Composite >= MinCompositeForValid:
		return "medium"
	default:
		return "low"
	}
}

// Validator scores ExtractedFields
type Validator struct {
	weights ValidationWeights
	now     func() time.Time
}

// ValidatorOption configures a Validator
type ValidatorOption func(*Validator)

// WithWeights overrides DefaultWeights
func WithWeights(w ValidationWeights) ValidatorOption {
	return func(v *Validator) { v.weights = w }
}

// WithNow sets the clock used for the expiry year window
func WithNow(fn func() time.Time) ValidatorOption {
	return func(v *Validator) { v.now = fn }
}

// NewValidator creates a Validator with DefaultWeights and the wall clock
func NewValidator(opts ...ValidatorOption) *Validator {
	v := &Validator{weights: DefaultWeights, now: time.Now}
	for _, o := range opts {
		o(v)
	}
	return v
}

// Validate scores fields. rawText, when non-empty, is the provider's source text and is used
// to flag values that do not appear in it.
func (v *Validator) Validate(fields *common.ExtractedFields, rawText string) ValidationResult {
	if fields == nil {
		fields = &common.ExtractedFields{}
	}

	per := FieldResults{
		BatchNumber:  validateBatch(fields.BatchNumber),
		ProductName:  validateProductName(fields.ProductName),
		ExpiryDate:   validateExpiry(fields.ExpiryDate, v.now().Year()),
		Manufacturer: validateManufacturer(fields.Manufacturer),
	}

	if rawText != "" {
		source := squash(rawText)
		crossCheck(&per.BatchNumber, fields.BatchNumber, source)
		crossCheck(&per.ProductName, fields.ProductName, source)
		crossCheck(&per.ExpiryDate, fields.ExpiryDate, source)
		crossCheck(&per.Manufacturer, fields.Manufacturer, source)
	}

	var num, den float64
	for _, fw := range []struct {
		c, w float64
	}{
		{per.BatchNumber.Confidence, v.weights.BatchNumber},
		{per.ProductName.Confidence, v.weights.ProductName},
		{per.ExpiryDate.Confidence, v.weights.ExpiryDate},
		{per.Manufacturer.Confidence, v.weights.Manufacturer},
	} {
		if fw.c <= 0 {
			continue
		}
		num += fw.c * fw.w
		den += fw.w
	}

	composite := 0.0
	if den > 0 {
		composite = math.Round(num/den*10000) / 10000
	}

	return ValidationResult{
		PerField:  per,
		Composite: composite,
		IsValid:   composite >= MinCompositeForValid && per.BatchNumber.Valid,
	}
}

var (
	batchCharsetRe = regexp.MustCompile(`^[A-Z0-9\-_ ]+$`)
	batchShapes    = []*regexp.Regexp{
		regexp.MustCompile(`^[A-Z]{1,4}[0-9]{2,11}$`),            // letters then digits: AB12345
		regexp.MustCompile(`^[0-9]{3,15}$`),                      // digits only
		regexp.MustCompile(`^[0-9]{1,8}[A-Z]{1,4}[0-9]{0,8}$`),   // digits then letters: 2304K17
		regexp.MustCompile(`^[A-Z]{1,4}[0-9]{1,8}[A-Z]{1,3}$`),   // letters-digits-letters: B1234A
		regexp.MustCompile(`^[A-Z0-9]{1,6}[\-_ ][A-Z0-9]{1,8}$`), // segmented: AB-2304
	}
	batchTestMarkers = []string{"TEST", "SAMPLE"}
)

func validateBatch(value *string) FieldResult {
	if value == nil {
		return FieldResult{
			Issues:      []string{"batch number missing"},
			Suggestions: []string{"The batch/lot number is usually printed near the expiry date, often embossed on the flap"},
		}
	}

	res := FieldResult{Present: true}
	b := strings.ToUpper(strings.TrimSpace(*value))
	n := utf8.RuneCountInString(b)

	lengthOK := n >= 3 && n <= 15
	charsetOK := batchCharsetRe.MatchString(b)
	if !lengthOK {
		res.Issues = append(res.Issues, "batch number length must be 3-15 characters")
	}
	if !charsetOK {
		res.Issues = append(res.Issues, "batch number contains characters outside A-Z, 0-9, '-', '_' and space")
		res.Suggestions = append(res.Suggestions, "Check for misread characters such as O/0 or I/1")
	}

	conf := 0.1
	if lengthOK && charsetOK {
		conf = 0.6
		for _, re := range batchShapes {
			if re.MatchString(b) {
				conf += 0.3
				break
			}
		}
		if strings.ContainsFunc(b, unicode.IsLetter) && strings.ContainsFunc(b, unicode.IsDigit) {
			conf += 0.1
		}
	}

	testMarker := false
	for _, marker := range batchTestMarkers {
		if strings.Contains(b, marker) {
			testMarker = true
			conf -= 0.4
			res.Issues = append(res.Issues, "batch number contains "+marker)
		}
	}

	res.Valid = lengthOK && charsetOK && !testMarker
	res.Confidence = clampPresent(conf)
	return res
}

var pharmaTerms = []string{
	"tablet", "tablets", "tab", "capsule", "capsules", "cap", "mg", "mcg", "ml", "g", "iu",
	"syrup", "suspension", "solution", "injection", "injectable", "infusion", "cream", "ointment",
	"gel", "drops", "inhaler", "spray", "powder", "sachet", "lozenge", "suppository",
	"film-coated", "extended-release", "er", "sr", "xr", "hcl", "sodium", "hydrochloride",
	"paracetamol", "acetaminophen", "ibuprofen", "amoxicillin", "metformin", "omeprazole",
	"aspirin", "cetirizine", "azithromycin", "ciprofloxacin", "vitamin",
}

var wordSplitRe = regexp.MustCompile(`[^a-z0-9\-]+`)

// strengthRe matches dose strengths glued to units, e.g. 500mg or 5ml
var strengthRe = regexp.MustCompile(`(?i)\b[0-9]+(?:\.[0-9]+)?\s?(?:mg|mcg|g|ml|iu|%)\b`)

func validateProductName(value *string) FieldResult {
	if value == nil {
		return FieldResult{Issues: []string{"product name missing"}}
	}

	res := FieldResult{Present: true}
	name := strings.TrimSpace(*value)
	n := utf8.RuneCountInString(name)
	lengthOK := n >= 2 && n <= 100
	if !lengthOK {
		res.Issues = append(res.Issues, "product name length must be 2-100 characters")
		res.Confidence = clampPresent(0.1)
		return res
	}

	conf := 0.6
	if containsPharmaTerm(name) {
		conf += 0.3
	} else {
		res.Suggestions = append(res.Suggestions, "Include the dosage form or strength printed with the name")
	}

	first, _ := utf8.DecodeRuneInString(name)
	switch {
	case unicode.IsLower(first):
		conf -= 0.2
		res.Issues = append(res.Issues, "product name starts with a lowercase letter")
	case unicode.IsDigit(first):
		conf -= 0.2
		res.Issues = append(res.Issues, "product name starts with a digit")
	}

	res.Valid = true
	res.Confidence = clampPresent(conf)
	return res
}

func containsPharmaTerm(name string) bool {
	if strengthRe.MatchString(name) {
		return true
	}
	for _, word := range wordSplitRe.Split(strings.ToLower(name), -1) {
		for _, term := range pharmaTerms {
			if word == term {
				return true
			}
		}
	}
	return false
}

type dateShape struct {
	re        *regexp.Regexp
	yearGroup int
}

const monthNames = `(JAN|FEB|MAR|APR|MAY|JUN|JUL|AUG|SEP|OCT|NOV|DEC)[A-Z]*`

var (
	expiryPrefixRe = regexp.MustCompile(`^(?:EXP(?:IRY)?(?:\s+DATE)?|USE\s+BY|BEST\s+BEFORE)\.?\s*[:.\-]?\s*`)
	dateShapes     = []dateShape{
		{regexp.MustCompile(`^(0?[1-9]|1[0-2])[/\-.](\d{4})$`), 2},                              // MM/YYYY
		{regexp.MustCompile(`^(0?[1-9]|1[0-2])[/\-.](\d{2})$`), 2},                              // MM/YY
		{regexp.MustCompile(`^(\d{4})[/\-.](0?[1-9]|1[0-2])$`), 1},                              // YYYY-MM
		{regexp.MustCompile(`^(\d{4})[/\-.](0?[1-9]|1[0-2])[/\-.](0?[1-9]|[12]\d|3[01])$`), 1},  // YYYY-MM-DD
		{regexp.MustCompile(`^(0?[1-9]|[12]\d|3[01])[/\-.](0?[1-9]|1[0-2])[/\-.](\d{4})$`), 3},  // DD/MM/YYYY
		{regexp.MustCompile(`^(0?[1-9]|[12]\d|3[01])[/\-.](0?[1-9]|1[0-2])[/\-.](\d{2})$`), 3},  // DD/MM/YY
		{regexp.MustCompile(`^` + monthNames + `[\s\-/.]*(\d{4}|\d{2})$`), 2},                   // MON YYYY, MON-YY
		{regexp.MustCompile(`^(\d{1,2})[\s\-/.]*` + monthNames + `[\s\-/.]*(\d{4}|\d{2})$`), 3}, // DD MON YYYY
	}
)

func validateExpiry(value *string, currentYear int) FieldResult {
	if value == nil {
		return FieldResult{Issues: []string{"expiry date missing"}}
	}

	res := FieldResult{Present: true}
	d := strings.ToUpper(strings.TrimSpace(*value))
	d = strings.TrimSpace(expiryPrefixRe.ReplaceAllString(d, ""))

	year := -1
	for _, shape := range dateShapes {
		if m := shape.re.FindStringSubmatch(d); m != nil {
			year = parseYear(m[shape.yearGroup])
			break
		}
	}

	if year < 0 {
		res.Issues = append(res.Issues, "expiry date does not match a known date format")
		res.Suggestions = append(res.Suggestions, "Expected formats such as MM/YYYY, YYYY-MM-DD or JAN 2027")
		res.Confidence = clampPresent(0.1)
		return res
	}

	if year < currentYear-1 || year > currentYear+10 {
		res.Issues = append(res.Issues, "expiry year "+strconv.Itoa(year)+" is outside the plausible range")
		res.Confidence = clampPresent(0.2)
		return res
	}

	if year < currentYear {
		res.Issues = append(res.Issues, "product appears to be expired")
	}
	res.Valid = true
	res.Confidence = 1.0
	return res
}

func parseYear(s string) int {
	y, err := strconv.Atoi(s)
	if err != nil {
		return -1
	}
	if len(s) == 2 {
		y += 2000
	}
	return y
}

var corporateSuffixes = []string{
	"ltd", "limited", "pharma", "pharmaceutical", "pharmaceuticals", "laboratories", "laboratory",
	"labs", "inc", "plc", "gmbh", "ag", "sa", "healthcare", "industries", "corp", "corporation",
	"llc", "pvt", "co",
}

func validateManufacturer(value *string) FieldResult {
	if value == nil {
		return FieldResult{Issues: []string{"manufacturer missing"}}
	}

	res := FieldResult{Present: true}
	name := strings.TrimSpace(*value)
	n := utf8.RuneCountInString(name)
	if n < 2 || n > 100 {
		res.Issues = append(res.Issues, "manufacturer length must be 2-100 characters")
		res.Confidence = clampPresent(0.1)
		return res
	}

	conf := 0.6
	words := wordSplitRe.Split(strings.ToLower(name), -1)
	for _, w := range words {
		if containsString(corporateSuffixes, strings.Trim(w, "-")) {
			conf += 0.3
			break
		}
	}

	res.Valid = true
	res.Confidence = clampPresent(conf)
	return res
}

// crossCheck penalizes a present field whose value cannot be found in the source text
func crossCheck(res *FieldResult, value *string, source string) {
	if value == nil || !res.Present {
		return
	}
	if strings.Contains(source, squash(*value)) {
		return
	}
	res.Issues = append(res.Issues, "value not found in source text")
	res.Confidence = clampPresent(res.Confidence - 0.1)
}

// squash uppercases and removes whitespace so OCR spacing differences do not matter
func squash(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return unicode.ToUpper(r)
	}, s)
}

func clampPresent(c float64) float64 {
	if c < presentFloor {
		return presentFloor
	}
	if c > 1 {
		return 1
	}
	return math.Round(c*10000) / 10000
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
