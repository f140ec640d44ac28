package config

import (
	"errors"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseURL  string
	AwsAccessKey string
	AwsSecretKey string
	AwsRegion    string
	BucketName   string
	S3Endpoint   string
	SignedURLTTL time.Duration
	SslCertPath  string
	AIAPIKey     string
	EmbedModel   string
	VisionModel  string
	EmbedRPS     float64
	Port         string
	JWTSecret    string
	LogLevel     string

	AllowedOrigins []string
	MaxUploadBytes int64

	Ingest  IngestSettings
	Engines EngineSettings
}

// IngestSettings tunes chunking, classification and the worker pool.
type IngestSettings struct {
	Workers              int
	ChunkMaxSize         int
	ChunkMinSize         int
	SamplePages          int
	TextThreshold        int
	LargeDocumentBytes   int64
	ImageOCREnabled      bool
	ImageClassifyEnabled bool
	DefaultLanguage      string
}

// EngineSettings locates the recognition engines and bounds their timeouts.
type EngineSettings struct {
	ProbeTimeout  time.Duration
	BaseTimeout   time.Duration
	TimeoutPerMB  time.Duration
	MaxTimeout    time.Duration
	FastURL       string
	FastCommand   []string
	RobustURL     string
	RobustCommand []string
	MixedURL      string
}

// LoadConfig loads the environment variables and return config
func LoadConfig() *Config {

	_ = godotenv.Load()

	cfg := &Config{
		DatabaseURL:  getEnv("DATABASE_URL", ""),
		AwsAccessKey: getEnv("AWS_ACCESS_KEY", ""),
		AwsSecretKey: getEnv("AWS_SECRET_KEY", ""),
		AwsRegion:    getEnv("AWS_REGION", "us-east-2"),
		BucketName:   getEnv("BUCKET_NAME", "docket-sources"),
		S3Endpoint:   getEnv("S3_ENDPOINT", ""),
		SignedURLTTL: getEnvDuration("SIGNED_URL_TTL", 15*time.Minute),
		SslCertPath:  getEnv("SSL_CERT_PATH", ""),
		AIAPIKey:     getEnv("GEMINI_API_KEY", ""),
		EmbedModel:   getEnv("EMBED_MODEL", "text-embedding-004"),
		VisionModel:  getEnv("VISION_MODEL", "gemini-1.5-flash"),
		EmbedRPS:     getEnvFloat("EMBED_RPS", 10),
		Port:         getEnv("PORT", "8080"),
		JWTSecret:    getEnv("JWT_SECRET", ""),
		LogLevel:     getEnv("LOG_LEVEL", "info"),

		AllowedOrigins: getEnvList("ALLOWED_ORIGINS", []string{"http://localhost:5173", "http://localhost:8888"}),
		MaxUploadBytes: int64(getEnvInt("MAX_UPLOAD_BYTES", 64<<20)),
		Ingest: IngestSettings{
			Workers:              getEnvInt("INGEST_WORKERS", 4),
			ChunkMaxSize:         getEnvInt("CHUNK_MAX_SIZE", 5000),
			ChunkMinSize:         getEnvInt("CHUNK_MIN_SIZE", 200),
			SamplePages:          getEnvInt("CLASSIFIER_SAMPLE_PAGES", 3),
			TextThreshold:        getEnvInt("CLASSIFIER_TEXT_THRESHOLD", 500),
			LargeDocumentBytes:   int64(getEnvInt("LARGE_DOCUMENT_BYTES", 20<<20)),
			ImageOCREnabled:      getEnvBool("IMAGE_OCR_ENABLED", false),
			ImageClassifyEnabled: getEnvBool("IMAGE_CLASSIFY_ENABLED", true),
			DefaultLanguage:      getEnv("OCR_LANGUAGE", "eng"),
		},
		Engines: EngineSettings{
			ProbeTimeout:  getEnvDuration("ENGINE_PROBE_TIMEOUT", 2*time.Second),
			BaseTimeout:   getEnvDuration("ENGINE_BASE_TIMEOUT", 2*time.Minute),
			TimeoutPerMB:  getEnvDuration("ENGINE_TIMEOUT_PER_MB", 15*time.Second),
			MaxTimeout:    getEnvDuration("ENGINE_MAX_TIMEOUT", 30*time.Minute),
			FastURL:       getEnv("FAST_ENGINE_URL", ""),
			FastCommand:   getEnvList("FAST_ENGINE_CMD", nil),
			RobustURL:     getEnv("ROBUST_ENGINE_URL", ""),
			RobustCommand: getEnvList("ROBUST_ENGINE_CMD", nil),
			MixedURL:      getEnv("MIXED_ENGINE_URL", ""),
		},
	}

	return cfg
}

// Validate reports settings the service cannot start without.
func (c *Config) Validate() error {
	var errs []error
	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL not set"))
	}
	if c.AIAPIKey == "" {
		errs = append(errs, errors.New("GEMINI_API_KEY not set"))
	}
	if c.BucketName == "" {
		errs = append(errs, errors.New("BUCKET_NAME not set"))
	}
	if c.Ingest.ChunkMinSize >= c.Ingest.ChunkMaxSize {
		errs = append(errs, errors.New("CHUNK_MIN_SIZE must be smaller than CHUNK_MAX_SIZE"))
	}
	if c.Ingest.Workers < 1 {
		errs = append(errs, errors.New("INGEST_WORKERS must be at least 1"))
	}
	return errors.Join(errs...)
}

// SlogLevel maps LOG_LEVEL onto a slog level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Helper to read environment variables with a default fallback
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvInt(key string, def int) int {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("env value is not an int, using default", "key", key, "value", v, "default", def)
		return def
	}
	return n
}

func getEnvFloat(key string, def float64) float64 {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		slog.Warn("env value is not a number, using default", "key", key, "value", v, "default", def)
		return def
	}
	return f
}

func getEnvBool(key string, def bool) bool {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		slog.Warn("env value is not a bool, using default", "key", key, "value", v, "default", def)
		return def
	}
	return b
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		slog.Warn("env value is not a duration, using default", "key", key, "value", v, "default", def)
		return def
	}
	return d
}

// getEnvList splits a whitespace separated value, e.g. a command line.
func getEnvList(key string, def []string) []string {
	v := strings.TrimSpace(getEnv(key, ""))
	if v == "" {
		return def
	}
	return strings.Fields(v)
}
