// config.go - Configuration loaded from environment variables

package configs

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

var (
	// Provider credentials and model names
	GEMINI_API_KEY        string
	GEMINI_MODEL_NAME     string
	MISTRAL_API_KEY       string
	MISTRAL_MODEL_NAME    string
	MISTRAL_TEXT_MODEL    string
	ANTHROPIC_API_KEY     string
	ANTHROPIC_MODEL_NAME  string
	PERPLEXITY_API_KEY    string
	PERPLEXITY_MODEL_NAME string
	TESSERACT_LANGUAGES   []string

	// Pricing (per 1M tokens in USD)
	GEMINI_INPUT_PRICE_PER_MILLION      float64
	GEMINI_OUTPUT_PRICE_PER_MILLION     float64
	ANTHROPIC_INPUT_PRICE_PER_MILLION   float64
	ANTHROPIC_OUTPUT_PRICE_PER_MILLION  float64
	PERPLEXITY_INPUT_PRICE_PER_MILLION  float64
	PERPLEXITY_OUTPUT_PRICE_PER_MILLION float64
	MISTRAL_INPUT_PRICE_PER_MILLION     float64
	MISTRAL_OUTPUT_PRICE_PER_MILLION    float64
	MISTRAL_OCR_PRICE_PER_PAGE          float64

	// Server Configuration
	PORT            string
	ALLOWED_ORIGINS string
	LOG_LEVEL       string
	LOG_FORMAT      string

	// MongoDB Configuration
	MONGO_URI     string
	MONGO_DB_NAME string

	// Routing
	TIER_POLICY_FILE        string
	ASSIGNMENT_CACHE_TTL    time.Duration
	ASSIGNMENT_FALLBACK_TTL time.Duration

	// Fallback ladder defaults (callers may override per request)
	FALLBACK_MAX_ATTEMPTS     int
	FALLBACK_MAX_TIME         time.Duration
	FALLBACK_MIN_CONFIDENCE   float64
	PRIMARY_ACCEPT_FLOOR      float64
	PREPROCESS_ACCEPT_FLOOR   float64
	PREPROCESS_PROVIDERS      []string
	PREPROCESS_PROVIDER_LIMIT int
	PROVIDER_CALL_TIMEOUT     time.Duration
	IMAGE_DOWNLOAD_TIMEOUT    time.Duration
	MAX_IMAGES_PER_REQUEST    int

	// Ladder stages are on unless LoadConfig turns them off
	ENABLE_PREPROCESSING_RETRY = true
	ENABLE_MANUAL_FALLBACK     = true

	// Rate limits (requests per minute, 0 disables)
	PROVIDER_RPM map[string]int

	// Usage & escalation
	USAGE_QUEUE_SIZE  int
	ALERT_WEBHOOK_URL string
)

// LoadConfig loads configuration from environment variables
func LoadConfig() {
	// Load .env file if exists (for local development)
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	GEMINI_API_KEY = getEnv("GEMINI_API_KEY", "")
	GEMINI_MODEL_NAME = getEnv("GEMINI_MODEL_NAME", "gemini-2.5-flash")
	MISTRAL_API_KEY = getEnv("MISTRAL_API_KEY", "")
	MISTRAL_MODEL_NAME = getEnv("MISTRAL_MODEL_NAME", "mistral-ocr-latest")
	MISTRAL_TEXT_MODEL = getEnv("MISTRAL_TEXT_MODEL", "mistral-small-latest")
	ANTHROPIC_API_KEY = getEnv("ANTHROPIC_API_KEY", "")
	ANTHROPIC_MODEL_NAME = getEnv("ANTHROPIC_MODEL_NAME", "claude-haiku-4-5")
	PERPLEXITY_API_KEY = getEnv("PERPLEXITY_API_KEY", "")
	PERPLEXITY_MODEL_NAME = getEnv("PERPLEXITY_MODEL_NAME", "sonar")
	TESSERACT_LANGUAGES = getEnvList("TESSERACT_LANGUAGES", []string{"eng"})

	// Gemini 2.5 Flash: Input=$0.30, Output=$2.50
	GEMINI_INPUT_PRICE_PER_MILLION = getEnvFloat("GEMINI_INPUT_PRICE_PER_MILLION", 0.30)
	GEMINI_OUTPUT_PRICE_PER_MILLION = getEnvFloat("GEMINI_OUTPUT_PRICE_PER_MILLION", 2.50)
	ANTHROPIC_INPUT_PRICE_PER_MILLION = getEnvFloat("ANTHROPIC_INPUT_PRICE_PER_MILLION", 1.00)
	ANTHROPIC_OUTPUT_PRICE_PER_MILLION = getEnvFloat("ANTHROPIC_OUTPUT_PRICE_PER_MILLION", 5.00)
	PERPLEXITY_INPUT_PRICE_PER_MILLION = getEnvFloat("PERPLEXITY_INPUT_PRICE_PER_MILLION", 1.00)
	PERPLEXITY_OUTPUT_PRICE_PER_MILLION = getEnvFloat("PERPLEXITY_OUTPUT_PRICE_PER_MILLION", 1.00)
	MISTRAL_INPUT_PRICE_PER_MILLION = getEnvFloat("MISTRAL_INPUT_PRICE_PER_MILLION", 0.10)
	MISTRAL_OUTPUT_PRICE_PER_MILLION = getEnvFloat("MISTRAL_OUTPUT_PRICE_PER_MILLION", 0.30)
	// Mistral OCR: $2 per 1,000 pages
	MISTRAL_OCR_PRICE_PER_PAGE = getEnvFloat("MISTRAL_OCR_PRICE_PER_PAGE", 0.002)

	PORT = getEnv("PORT", "8080")
	ALLOWED_ORIGINS = getEnv("ALLOWED_ORIGINS", "*")
	LOG_LEVEL = getEnv("LOG_LEVEL", "info")
	LOG_FORMAT = getEnv("LOG_FORMAT", "json")

	MONGO_URI = getEnv("MONGO_URI", "mongodb://localhost:27017")
	MONGO_DB_NAME = getEnv("MONGO_DB_NAME", "pharma_ocr")

	TIER_POLICY_FILE = getEnv("TIER_POLICY_FILE", "")
	ASSIGNMENT_CACHE_TTL = getEnvDuration("ASSIGNMENT_CACHE_TTL", 5*time.Minute)
	ASSIGNMENT_FALLBACK_TTL = getEnvDuration("ASSIGNMENT_FALLBACK_TTL", 30*time.Second)

	FALLBACK_MAX_ATTEMPTS = getEnvInt("FALLBACK_MAX_ATTEMPTS", 5)
	FALLBACK_MAX_TIME = getEnvDuration("FALLBACK_MAX_TIME", 30*time.Second)
	FALLBACK_MIN_CONFIDENCE = getEnvFloat("FALLBACK_MIN_CONFIDENCE", 0.7)
	PRIMARY_ACCEPT_FLOOR = getEnvFloat("PRIMARY_ACCEPT_FLOOR", 0.3)
	PREPROCESS_ACCEPT_FLOOR = getEnvFloat("PREPROCESS_ACCEPT_FLOOR", 0.5)
	PREPROCESS_PROVIDERS = getEnvList("PREPROCESS_PROVIDERS", []string{"gemini", "mistral", "anthropic"})
	PREPROCESS_PROVIDER_LIMIT = getEnvInt("PREPROCESS_PROVIDER_LIMIT", 2)
	PROVIDER_CALL_TIMEOUT = getEnvDuration("PROVIDER_CALL_TIMEOUT", 60*time.Second)
	IMAGE_DOWNLOAD_TIMEOUT = getEnvDuration("IMAGE_DOWNLOAD_TIMEOUT", 15*time.Second)
	MAX_IMAGES_PER_REQUEST = getEnvInt("MAX_IMAGES_PER_REQUEST", 4)
	ENABLE_PREPROCESSING_RETRY = getEnvBool("ENABLE_PREPROCESSING_RETRY", true)
	ENABLE_MANUAL_FALLBACK = getEnvBool("ENABLE_MANUAL_FALLBACK", true)

	// gemini-2.5-flash free tier is 15 RPM; keep ~20% headroom
	PROVIDER_RPM = map[string]int{
		"gemini":     getEnvInt("PROVIDER_RPM_GEMINI", 12),
		"mistral":    getEnvInt("PROVIDER_RPM_MISTRAL", 60),
		"anthropic":  getEnvInt("PROVIDER_RPM_ANTHROPIC", 50),
		"perplexity": getEnvInt("PROVIDER_RPM_PERPLEXITY", 50),
		"tesseract":  getEnvInt("PROVIDER_RPM_TESSERACT", 0),
	}

	USAGE_QUEUE_SIZE = getEnvInt("USAGE_QUEUE_SIZE", 1024)
	ALERT_WEBHOOK_URL = getEnv("ALERT_WEBHOOK_URL", "")

	log.Println("✓ Configuration loaded successfully")
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go duration strings ("90s", "5m") or plain milliseconds
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if parsed, err := time.ParseDuration(value); err == nil {
		return parsed
	}
	if ms, err := strconv.Atoi(value); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
