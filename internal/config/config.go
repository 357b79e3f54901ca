package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the service configuration. It is loaded once at startup and
// passed by reference to each component; nothing mutates it afterwards.
type Config struct {
	// Server config
	Port int    `yaml:"port"`
	Host string `yaml:"host"`

	Vision     VisionConfig     `yaml:"vision"`
	Preprocess PreprocessConfig `yaml:"preprocess"`
	Database   DatabaseConfig   `yaml:"database"`
	Storage    StorageConfig    `yaml:"storage"`
	Search     SearchConfig     `yaml:"search"`
	Companies  CompanyConfig    `yaml:"companies"`
	Export     ExportConfig     `yaml:"export"`
}

// VisionConfig controls the vision model client.
type VisionConfig struct {
	Provider string `yaml:"provider"` // "gemini" or "openai"

	Gemini GeminiConfig `yaml:"gemini"`
	OpenAI OpenAIConfig `yaml:"openai"`

	// Directory holding the opaque prompt text files
	// (combined.txt, header.txt, items.txt).
	PromptDir string `yaml:"prompt_dir"`

	RetryAttempts int           `yaml:"retry_attempts"`
	RetryMinWait  time.Duration `yaml:"retry_min_wait"`
	RetryMaxWait  time.Duration `yaml:"retry_max_wait"`
	CallDeadline  time.Duration `yaml:"call_deadline"`
}

// GeminiConfig for Google Gemini
type GeminiConfig struct {
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"`
}

// OpenAIConfig for OpenAI-compatible endpoints
type OpenAIConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url,omitempty"`
	Model   string `yaml:"model"`
}

// PreprocessConfig controls artifact normalization.
type PreprocessConfig struct {
	RasterDPI     int   `yaml:"raster_dpi"`
	MaxUploadSize int64 `yaml:"max_upload_size"`
	Greyscale     bool  `yaml:"greyscale"`
	Contrast      bool  `yaml:"contrast"`
	Deskew        bool  `yaml:"deskew"`
}

// DatabaseConfig controls the pgx pool and transaction discipline.
type DatabaseConfig struct {
	URL                string        `yaml:"url"`
	MaxConns           int32         `yaml:"max_conns"`
	MinConns           int32         `yaml:"min_conns"`
	TransactionTimeout time.Duration `yaml:"transaction_timeout"`

	DuplicateCheckWindow time.Duration `yaml:"duplicate_check_window"`
	ArchiveOlderThan     int           `yaml:"archive_partitions_older_than_years"`
}

// StorageConfig for the MinIO artifact store.
type StorageConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// SearchConfig selects which full-text configurations the migrations create
// and the search queries use.
type SearchConfig struct {
	Languages        []string `yaml:"fts_languages"`
	PartialLanguages []string `yaml:"fts_partial_index_languages"`
}

// CompanyConfig holds the company-resolver knobs.
type CompanyConfig struct {
	NormalizeTaxID      bool `yaml:"normalize_tax_id"`
	TaxIDFallbackToName bool `yaml:"tax_id_fallback_to_name"`
}

// ExportConfig controls the post-approval export queue.
type ExportConfig struct {
	RedisAddr   string `yaml:"redis_addr"`
	Queue       string `yaml:"queue"`
	Concurrency int    `yaml:"concurrency"`
}

// Load reads config.yaml and applies environment overrides. A missing .env
// file is not an error.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyDefaults(&cfg)
	applyEnv(&cfg)

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Host == "" {
		cfg.Host = "0.0.0.0"
	}
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.Vision.RetryAttempts == 0 {
		cfg.Vision.RetryAttempts = 3
	}
	if cfg.Vision.RetryMinWait == 0 {
		cfg.Vision.RetryMinWait = 2 * time.Second
	}
	if cfg.Vision.RetryMaxWait == 0 {
		cfg.Vision.RetryMaxWait = 10 * time.Second
	}
	if cfg.Vision.CallDeadline == 0 {
		cfg.Vision.CallDeadline = 90 * time.Second
	}
	if cfg.Vision.PromptDir == "" {
		cfg.Vision.PromptDir = "prompts"
	}
	if cfg.Preprocess.RasterDPI == 0 {
		cfg.Preprocess.RasterDPI = 200
	}
	if cfg.Preprocess.MaxUploadSize == 0 {
		cfg.Preprocess.MaxUploadSize = 25 * 1024 * 1024
	}
	if cfg.Database.MaxConns == 0 {
		cfg.Database.MaxConns = 10
	}
	if cfg.Database.MinConns == 0 {
		cfg.Database.MinConns = 2
	}
	if cfg.Database.TransactionTimeout == 0 {
		cfg.Database.TransactionTimeout = 30 * time.Second
	}
	if cfg.Database.DuplicateCheckWindow == 0 {
		cfg.Database.DuplicateCheckWindow = 60 * time.Second
	}
	if cfg.Database.ArchiveOlderThan == 0 {
		cfg.Database.ArchiveOlderThan = 7
	}
	if len(cfg.Search.Languages) == 0 {
		cfg.Search.Languages = []string{"simple"}
	}
	if cfg.Export.Queue == "" {
		cfg.Export.Queue = "exports"
	}
	if cfg.Export.Concurrency == 0 {
		cfg.Export.Concurrency = 4
	}
}

// applyEnv overrides yaml values with environment variables when present.
func applyEnv(cfg *Config) {
	if port := os.Getenv("PORT"); port != "" {
		fmt.Sscanf(port, "%d", &cfg.Port)
	}
	if host := os.Getenv("HOST"); host != "" {
		cfg.Host = host
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		cfg.Vision.Gemini.APIKey = v
	}
	if v := os.Getenv("GEMINI_MODEL"); v != "" {
		cfg.Vision.Gemini.Model = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.Vision.OpenAI.APIKey = v
	}
	if v := os.Getenv("OPENAI_BASE_URL"); v != "" {
		cfg.Vision.OpenAI.BaseURL = v
	}
	if v := os.Getenv("OPENAI_MODEL"); v != "" {
		cfg.Vision.OpenAI.Model = v
	}
	if v := os.Getenv("VISION_PROVIDER"); v != "" {
		cfg.Vision.Provider = v
	}
	if n, ok := envInt("API_RETRY_ATTEMPTS"); ok {
		cfg.Vision.RetryAttempts = n
	}
	if d, ok := envSeconds("API_RETRY_MIN_WAIT"); ok {
		cfg.Vision.RetryMinWait = d
	}
	if d, ok := envSeconds("API_RETRY_MAX_WAIT"); ok {
		cfg.Vision.RetryMaxWait = d
	}
	if d, ok := envSeconds("DB_TRANSACTION_TIMEOUT"); ok {
		cfg.Database.TransactionTimeout = d
	}
	if d, ok := envSeconds("DUPLICATE_CHECK_WINDOW_SECONDS"); ok {
		cfg.Database.DuplicateCheckWindow = d
	}
	if n, ok := envInt("ARCHIVE_PARTITIONS_OLDER_THAN_YEARS"); ok {
		cfg.Database.ArchiveOlderThan = n
	}
	if v := os.Getenv("FTS_LANGUAGES"); v != "" {
		cfg.Search.Languages = splitCSV(v)
	}
	if v := os.Getenv("FTS_PARTIAL_INDEX_LANGUAGES"); v != "" {
		cfg.Search.PartialLanguages = splitCSV(v)
	}
	if v := os.Getenv("NORMALIZE_TAX_ID"); v != "" {
		cfg.Companies.NormalizeTaxID = v == "true" || v == "1"
	}
	if v := os.Getenv("TAX_ID_FALLBACK_TO_NAME"); v != "" {
		cfg.Companies.TaxIDFallbackToName = v == "true" || v == "1"
	}
	if v := os.Getenv("MINIO_ENDPOINT"); v != "" {
		cfg.Storage.Endpoint = v
	}
	if v := os.Getenv("MINIO_ACCESS_KEY"); v != "" {
		cfg.Storage.AccessKey = v
	}
	if v := os.Getenv("MINIO_SECRET_KEY"); v != "" {
		cfg.Storage.SecretKey = v
	}
	if v := os.Getenv("MINIO_BUCKET"); v != "" {
		cfg.Storage.Bucket = v
	}
	if v := os.Getenv("MINIO_USE_SSL"); v != "" {
		cfg.Storage.UseSSL = v == "true"
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Export.RedisAddr = v
	}
	if n, ok := envInt("RASTER_DPI"); ok {
		cfg.Preprocess.RasterDPI = n
	}
	if n, ok := envInt("MAX_UPLOAD_SIZE"); ok {
		cfg.Preprocess.MaxUploadSize = int64(n)
	}
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envSeconds(key string) (time.Duration, bool) {
	n, ok := envInt(key)
	if !ok {
		return 0, false
	}
	return time.Duration(n) * time.Second, true
}

func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
