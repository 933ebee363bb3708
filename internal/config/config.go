package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	ListenAddr      string
	VisionBackend   string
	GeminiEndpoint  string
	GeminiModel     string
	MistralBaseURL  string
	PixtralModel    string
	DefaultAPIKey   string
	FetchTimeout    time.Duration
	DescribeTimeout time.Duration
	MaxImageBytes   int64
	MaxImagePixels  int
	MaxRedirects    int
	JPEGQuality     int
	RatePerMinute   float64
	LogLevel        string
	LogFile         string

	// AllowPrivateFetch lets image URLs resolve to loopback, link-local and
	// private addresses. Off unless the service only runs on a trusted network.
	AllowPrivateFetch bool
}

func Load() *Config {
	return &Config{
		ListenAddr:        getEnv("LISTEN_ADDR", ":8080"),
		VisionBackend:     getEnv("VISION_BACKEND", "gemini"),
		GeminiEndpoint:    getEnv("GEMINI_ENDPOINT", "https://generativelanguage.googleapis.com/v1beta"),
		GeminiModel:       getEnv("GEMINI_MODEL", "gemini-1.5-flash-latest"),
		MistralBaseURL:    getEnv("MISTRAL_BASE_URL", "https://api.mistral.ai"),
		PixtralModel:      getEnv("PIXTRAL_MODEL", "pixtral-12b-2409"),
		DefaultAPIKey:     getEnv("DEFAULT_API_KEY", ""),
		FetchTimeout:      getDuration("FETCH_TIMEOUT", 15*time.Second),
		DescribeTimeout:   getDuration("DESCRIBE_TIMEOUT", 60*time.Second),
		MaxImageBytes:     int64(getInt("MAX_IMAGE_BYTES", 20*1024*1024)),
		MaxImagePixels:    getInt("MAX_IMAGE_PIXELS", 50_000_000),
		MaxRedirects:      getInt("MAX_REDIRECTS", 5),
		AllowPrivateFetch: getBool("FETCH_ALLOW_PRIVATE", false),
		JPEGQuality:       getInt("JPEG_QUALITY", 90),
		RatePerMinute:     getFloat("RATE_LIMIT_PER_MINUTE", 0),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		LogFile:           getEnv("LOG_FILE", ""),
	}
}

func getEnv(key, defaultVal string) string {
	if val, exists := os.LookupEnv(key); exists {
		return val
	}
	return defaultVal
}

// The typed getters fall back to defaultVal when the variable
// is unset, malformed or not positive.
func getDuration(key string, defaultVal time.Duration) time.Duration {
	d, err := time.ParseDuration(getEnv(key, ""))
	if err != nil || d <= 0 {
		return defaultVal
	}
	return d
}

func getInt(key string, defaultVal int) int {
	n, err := strconv.Atoi(getEnv(key, ""))
	if err != nil || n <= 0 {
		return defaultVal
	}
	return n
}

func getBool(key string, defaultVal bool) bool {
	b, err := strconv.ParseBool(getEnv(key, ""))
	if err != nil {
		return defaultVal
	}
	return b
}

func getFloat(key string, defaultVal float64) float64 {
	f, err := strconv.ParseFloat(getEnv(key, ""), 64)
	if err != nil || f < 0 {
		return defaultVal
	}
	return f
}
