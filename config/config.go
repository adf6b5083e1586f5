package config

import (
	"log"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config stores the console configuration.
// Values come from the environment (optionally via a .env file) with defaults.
type Config struct {
	// Audio engine
	SampleRate     int           // Hz
	BlockSize      int           // frames per render block
	FFmpegPath     string        // decoder fallback for containers beep cannot read
	PwPlayPath     string        // PipeWire playback client
	PwRecordPath   string        // PipeWire capture client
	PactlPath      string        // device enumeration
	DeviceWatchDir string        // hot-plug watch directory
	ReconcileEvery time.Duration // mixer reconciliation tick
	CrossfadeTick  time.Duration
	CrossfadeMode  string // "overlap" or "sequential"
	PositionEvery  time.Duration // position/meters event cadence
	ProfilePath    string        // YAML console profile
	RequireArm     bool          // refuse playback until an operator gesture arms the output
	MicInBroadcast bool
	MediaDir       string // base directory for relative track locations
	HTTPAddr       string // control server listen address
	StationName    string
	LogLevel       string
	LogFile        string

	// Broadcast relay
	RelayURL          string
	FrameDuration     time.Duration
	ReconnectAttempts int
	ReconnectBase     time.Duration
	ReconnectMax      time.Duration
	SendQueueSize     int

	// Library collaborator: "sqlite" or "mysql"
	LibraryBackend string
	SQLitePath     string
	DBHost         string
	DBPort         string
	DBUser         string
	DBPassword     string
	DBName         string

	// Redis配置
	RedisEnabled  bool
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int
	FrameCacheTTL time.Duration

	// MinIO配置
	MinioEnabled   bool
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioRegion    string
	MinioUseSSL    bool
	MinioURLExpiry time.Duration
	ArchiveEnabled bool
	ArchiveFrames  int // frames per archived segment
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

// getEnvBool gets an environment variable as bool or returns a default value.
func getEnvBool(key string, fallback bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}

// getEnvDuration accepts Go durations ("200ms") or plain milliseconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, exists := os.LookupEnv(key)
	if !exists {
		return fallback
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(value); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return fallback
}

// Load loads configuration from environment variables (via .env file) or defaults.
func Load() *Config {
	// godotenv.Load() will not override existing env vars.
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found or error loading .env, relying on existing environment variables and defaults.")
	}
	return FromEnv()
}

// FromEnv builds the configuration from the current environment only.
func FromEnv() *Config {
	cfg := &Config{
		SampleRate:     getEnvInt("SAMPLE_RATE", 48000),
		BlockSize:      getEnvInt("BLOCK_SIZE", 1024),
		FFmpegPath:     getEnv("FFMPEG_PATH", "ffmpeg"),
		PwPlayPath:     getEnv("PW_PLAY_PATH", "pw-play"),
		PwRecordPath:   getEnv("PW_RECORD_PATH", "pw-record"),
		PactlPath:      getEnv("PACTL_PATH", "pactl"),
		DeviceWatchDir: getEnv("DEVICE_WATCH_DIR", "/dev/snd"),
		ReconcileEvery: getEnvDuration("RECONCILE_INTERVAL", 500*time.Millisecond),
		CrossfadeTick:  getEnvDuration("CROSSFADE_TICK", 50*time.Millisecond),
		CrossfadeMode:  getEnv("CROSSFADE_MODE", "overlap"),
		PositionEvery:  getEnvDuration("POSITION_INTERVAL", 250*time.Millisecond),
		ProfilePath:    getEnv("CONSOLE_PROFILE", filepath.Join("config", "console.yaml")),
		RequireArm:     getEnvBool("REQUIRE_ARM", false),
		MicInBroadcast: getEnvBool("MIC_IN_BROADCAST", false),
		MediaDir:       getEnv("MEDIA_DIR", "media"),
		HTTPAddr:       getEnv("HTTP_ADDR", ":8080"),
		StationName:    getEnv("STATION_NAME", "QFM"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		LogFile:        getEnv("LOG_FILE", filepath.Join("logs", "console.log")),

		RelayURL:          getEnv("RELAY_URL", "ws://127.0.0.1:9000/ingest"),
		FrameDuration:     getEnvDuration("FRAME_DURATION", 200*time.Millisecond),
		ReconnectAttempts: getEnvInt("RECONNECT_ATTEMPTS", 5),
		ReconnectBase:     getEnvDuration("RECONNECT_BASE_DELAY", time.Second),
		ReconnectMax:      getEnvDuration("RECONNECT_MAX_DELAY", 30*time.Second),
		SendQueueSize:     getEnvInt("SEND_QUEUE_SIZE", 32),

		LibraryBackend: getEnv("LIBRARY_BACKEND", "sqlite"),
		SQLitePath:     getEnv("SQLITE_PATH", filepath.Join("data", "library.db")),
		DBHost:         getEnv("DB_HOST", "127.0.0.1"),
		DBPort:         getEnv("DB_PORT", "3306"),
		DBUser:         getEnv("DB_USER", "root"),
		DBPassword:     os.Getenv("DB_PASSWORD"), // no hardcoded default for the password
		DBName:         getEnv("DB_NAME", "fm"),

		RedisEnabled:  getEnvBool("REDIS_ENABLED", false),
		RedisHost:     getEnv("REDIS_HOST", "127.0.0.1"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),
		FrameCacheTTL: getEnvDuration("FRAME_CACHE_TTL", 2*time.Minute),

		MinioEnabled:   getEnvBool("MINIO_ENABLED", false),
		MinioEndpoint:  getEnv("MINIO_ENDPOINT", "127.0.0.1:9000"),
		MinioAccessKey: getEnv("MINIO_ACCESS_KEY", "minioadmin"),
		MinioSecretKey: getEnv("MINIO_SECRET_KEY", "minioadmin"),
		MinioBucket:    getEnv("MINIO_BUCKET", "qfm-console"),
		MinioRegion:    getEnv("MINIO_REGION", "us-east-1"),
		MinioUseSSL:    getEnvBool("MINIO_USE_SSL", false),
		MinioURLExpiry: getEnvDuration("MINIO_URL_EXPIRY", time.Hour),
		ArchiveEnabled: getEnvBool("ARCHIVE_ENABLED", false),
		ArchiveFrames:  getEnvInt("ARCHIVE_FRAMES", 50),
	}
	cfg.clamp()
	return cfg
}

// clamp keeps the timing options inside their supported ranges.
func (c *Config) clamp() {
	if c.SampleRate <= 0 {
		c.SampleRate = 48000
	}
	if c.BlockSize <= 0 {
		c.BlockSize = 1024
	}
	if c.CrossfadeTick <= 0 || c.CrossfadeTick > 100*time.Millisecond {
		c.CrossfadeTick = 50 * time.Millisecond
	}
	if c.FrameDuration <= 0 || c.FrameDuration > 250*time.Millisecond {
		c.FrameDuration = 200 * time.Millisecond
	}
	if c.ReconcileEvery <= 0 || c.ReconcileEvery >= time.Second {
		c.ReconcileEvery = 500 * time.Millisecond
	}
	if c.PositionEvery <= 0 {
		c.PositionEvery = 250 * time.Millisecond
	}
	if c.ReconnectAttempts <= 0 {
		c.ReconnectAttempts = 5
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = 32
	}
	if c.ArchiveFrames <= 0 {
		c.ArchiveFrames = 50
	}
}

// BlockDuration is the wall-clock length of one render block.
func (c *Config) BlockDuration() time.Duration {
	return time.Duration(float64(c.BlockSize) / float64(c.SampleRate) * float64(time.Second))
}
