package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config stores the application configuration.
type Config struct {
	// Local staging folder for segments and produced artifacts
	DataFolder string

	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBDebug    bool

	// Redis配置
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool
	MinioRegion    string

	// Uploads to the object store are skipped entirely when set
	ContentUploadDisabled bool
	PresignedURLExpiry    time.Duration

	FinalizationDisabled bool
	FinalizationInterval time.Duration
	AbandonedAfter       time.Duration

	FFmpegPath        string
	FFprobePath       string
	LightAudioBitrate string
	CaptionsProducer  string

	StatsCacheTTL time.Duration

	AccessTokenSecretKey string
	ListenAddr           string

	LogLevel      string
	LogFile       string
	LogMaxSizeMB  int
	LogMaxBackups int
	LogMaxAgeDays int
}

// getEnv gets an environment variable or returns a default value.
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

// getEnvInt gets an environment variable as int or returns a default value.
func getEnvInt(key string, fallback int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return fallback
}

// getEnvBool accepts the usual truthy spellings ("1", "true", "yes", "on").
func getEnvBool(key string, fallback bool) bool {
	value, exists := os.LookupEnv(key)
	if !exists {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "t", "true", "y", "yes", "on":
		return true
	case "0", "f", "false", "n", "no", "off", "":
		return false
	}
	return fallback
}

func getEnvSeconds(key string, fallback int) time.Duration {
	return time.Duration(getEnvInt(key, fallback)) * time.Second
}

// Load loads configuration from environment variables (via .env file) or defaults.
func Load() *Config {
	// godotenv.Load() will not override existing env vars.
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found or error loading .env, relying on existing environment variables and defaults.")
	}
	return FromEnv()
}

// FromEnv builds the configuration from the current process environment only.
func FromEnv() *Config {
	ffmpegPath := getEnv("FFMPEG_PATH", "ffmpeg")

	return &Config{
		DataFolder: getEnv("ROOT_DATA_FOLDER", "data"),

		DBHost:     getEnv("DB_HOST", "127.0.0.1"),
		DBPort:     getEnv("DB_PORT", "3306"),
		DBUser:     getEnv("DB_USER", "root"),
		DBPassword: os.Getenv("DB_PASSWORD"), // no hardcoded default for the password
		DBName:     getEnv("DB_NAME", "recital"),
		DBDebug:    getEnvBool("DEBUG", false),

		RedisHost:     getEnv("REDIS_HOST", "127.0.0.1"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		MinioEndpoint:  getEnv("MINIO_ENDPOINT", "127.0.0.1:9000"),
		MinioAccessKey: os.Getenv("MINIO_ACCESS_KEY"),
		MinioSecretKey: os.Getenv("MINIO_SECRET_KEY"),
		MinioBucket:    getEnv("MINIO_BUCKET", "recital-content"),
		MinioUseSSL:    getEnvBool("MINIO_USE_SSL", false),
		MinioRegion:    getEnv("MINIO_REGION", "us-east-1"),

		ContentUploadDisabled: getEnvBool("CONTENT_DISABLE_UPLOAD", false),
		PresignedURLExpiry:    getEnvSeconds("PRESIGNED_URL_EXPIRY_SEC", 3600),

		FinalizationDisabled: getEnvBool("JOB_SESSION_FINALIZATION_DISABLED", false),
		FinalizationInterval: getEnvSeconds("JOB_SESSION_FINALIZATION_INTERVAL_SEC", 120),
		AbandonedAfter:       time.Duration(getEnvInt("SESSION_ABANDONED_AFTER_HOURS", 2)) * time.Hour,

		FFmpegPath:        ffmpegPath,
		FFprobePath:       getEnv("FFPROBE_PATH", strings.Replace(ffmpegPath, "ffmpeg", "ffprobe", 1)),
		LightAudioBitrate: getEnv("LIGHT_AUDIO_BITRATE", "64k"),
		CaptionsProducer:  getEnv("CAPTIONS_PRODUCER", "Crowd Recital Session Captions"),

		StatsCacheTTL: getEnvSeconds("STATS_CACHE_TTL_SEC", 60),

		AccessTokenSecretKey: os.Getenv("ACCESS_TOKEN_SECRET_KEY"),
		ListenAddr:           getEnv("LISTEN_ADDR", ":8080"),

		LogLevel:      getEnv("LOG_LEVEL", "info"),
		LogFile:       getEnv("LOG_FILE", ""),
		LogMaxSizeMB:  getEnvInt("LOG_MAX_SIZE_MB", 100),
		LogMaxBackups: getEnvInt("LOG_MAX_BACKUPS", 5),
		LogMaxAgeDays: getEnvInt("LOG_MAX_AGE_DAYS", 30),
	}
}

// EnsureDirectories creates the local staging folder.
func (c *Config) EnsureDirectories() error {
	return os.MkdirAll(c.DataFolder, 0755)
}
