// Package config centralizes how clipvoice reads environment variables and
// exposes them as typed values.
package config

import (
	"crypto/rand"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Command is an external worker binary plus its leading arguments.
type Command struct {
	Path string
	Args []string
}

// Config represents runtime configuration for every clipvoice binary.
type Config struct {
	Address       string
	PublicBaseURL string
	StorageRoot   string
	MaxUploadSize int64
	DefaultVoice  string

	WorkerPool       int
	StageTimeout     time.Duration
	ArtifactAttempts int
	ArtifactDelay    time.Duration
	OutputBudget     int

	Downloader         Command
	DownloaderFallback Command
	Analyzer           Command
	Muxer              Command

	SignAssets    bool
	SigningSecret []byte
	SignedURLTTL  time.Duration

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	DatabaseURL string

	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string
	S3UseSSL    bool
	S3Region    string
	S3Bucket    string

	NATSURL      string
	EventSubject string
}

const (
	defaultAddress       = ":8080"
	defaultStorageRoot   = "./data"
	defaultMaxUpload     = 512 << 20 // 512 MiB
	defaultWorkerCount   = 2
	defaultStageTimeout  = 15 * time.Minute
	defaultArtifactTries = 5
	defaultArtifactDelay = 500 * time.Millisecond
	defaultOutputBudget  = 16 << 10
	defaultSignedTTL     = 15 * time.Minute
	defaultEventSubject  = "clipvoice.jobs"
)

// Load reads configuration from environment variables falling back to defaults.
func Load() (*Config, error) {
	cfg := &Config{
		Address:       readEnv("CLIPVOICE_ADDRESS", defaultAddress),
		PublicBaseURL: strings.TrimRight(readEnv("CLIPVOICE_BASE_URL", "http://localhost:8080"), "/"),
		StorageRoot:   readEnv("CLIPVOICE_STORAGE_ROOT", defaultStorageRoot),
		MaxUploadSize: parseInt64("CLIPVOICE_MAX_UPLOAD_BYTES", defaultMaxUpload),
		DefaultVoice:  readEnv("CLIPVOICE_DEFAULT_VOICE", "nova"),

		WorkerPool:       parseInt("CLIPVOICE_WORKERS", defaultWorkerCount),
		StageTimeout:     parseDuration("CLIPVOICE_STAGE_TIMEOUT", defaultStageTimeout),
		ArtifactAttempts: parseInt("CLIPVOICE_ARTIFACT_ATTEMPTS", defaultArtifactTries),
		ArtifactDelay:    parseDuration("CLIPVOICE_ARTIFACT_DELAY", defaultArtifactDelay),
		OutputBudget:     parseInt("CLIPVOICE_OUTPUT_BUDGET", defaultOutputBudget),

		Downloader:         parseCommand("CLIPVOICE_DOWNLOADER", "yt-dlp"),
		DownloaderFallback: parseCommand("CLIPVOICE_DOWNLOADER_FALLBACK", "youtube-dl"),
		Analyzer:           parseCommand("CLIPVOICE_ANALYZER", "python3 scripts/analyze.py"),
		Muxer:              parseCommand("CLIPVOICE_MUXER", "ffmpeg"),

		SignAssets:    parseBool("CLIPVOICE_SIGN_ASSETS", false),
		SigningSecret: parseSecret("CLIPVOICE_SIGNING_SECRET"),
		SignedURLTTL:  parseDuration("CLIPVOICE_SIGNED_TTL", defaultSignedTTL),

		RedisAddr:     readEnv("CLIPVOICE_REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword: readEnv("CLIPVOICE_REDIS_PASSWORD", ""),
		RedisDB:       parseInt("CLIPVOICE_REDIS_DB", 0),

		DatabaseURL: readEnv("CLIPVOICE_DATABASE_URL", ""),

		S3Endpoint:  readEnv("CLIPVOICE_S3_ENDPOINT", ""),
		S3AccessKey: readEnv("CLIPVOICE_S3_ACCESS_KEY", ""),
		S3SecretKey: readEnv("CLIPVOICE_S3_SECRET_KEY", ""),
		S3UseSSL:    parseBool("CLIPVOICE_S3_USE_SSL", false),
		S3Region:    readEnv("CLIPVOICE_S3_REGION", "us-east-1"),
		S3Bucket:    readEnv("CLIPVOICE_S3_BUCKET", "clipvoice-artifacts"),

		NATSURL:      readEnv("CLIPVOICE_NATS_URL", ""),
		EventSubject: readEnv("CLIPVOICE_EVENT_SUBJECT", defaultEventSubject),
	}
	if cfg.WorkerPool <= 0 {
		cfg.WorkerPool = defaultWorkerCount
	}
	if cfg.MaxUploadSize <= 0 {
		cfg.MaxUploadSize = defaultMaxUpload
	}
	if cfg.Analyzer.Path == "" {
		return nil, fmt.Errorf("CLIPVOICE_ANALYZER must not be empty")
	}
	if cfg.SignAssets && cfg.SigningSecret == nil {
		secret, err := randomSecret()
		if err != nil {
			return nil, fmt.Errorf("generate signing secret: %w", err)
		}
		cfg.SigningSecret = secret
	}
	return cfg, nil
}

func readEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

// parseCommand splits "binary arg1 arg2" into path + leading args.
func parseCommand(key, def string) Command {
	fields := strings.Fields(readEnv(key, def))
	if len(fields) == 0 {
		return Command{}
	}
	return Command{Path: fields[0], Args: fields[1:]}
}

func parseInt64(key string, def int64) int64 {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := strconv.ParseInt(v, 10, 64); err == nil {
			return parsed
		}
	}
	return def
}

func parseInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return def
}

func parseBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			return parsed
		}
	}
	return def
}

func parseDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			return parsed
		}
	}
	return def
}

func parseSecret(key string) []byte {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return []byte(v)
	}
	return nil
}

// randomSecret never falls back to a fixed value; signing with a predictable
// key is worse than refusing to start.
func randomSecret() ([]byte, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return nil, err
	}
	return buf, nil
}
