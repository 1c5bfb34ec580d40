package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"helmdect/internal/auth"
	"helmdect/internal/camera"
	"helmdect/internal/session"
	"helmdect/internal/telegram"
)

// Config is the orchestrator configuration, read from the environment
type Config struct {
	HTTPAddr string
	GRPCAddr string

	BackendURL     string
	BackendTimeout time.Duration

	DBPath           string // Empty disables detection history
	HistoryRetention time.Duration

	CameraDevice    string
	CameraWidth     int
	CameraHeight    int
	CameraFacing    camera.Facing
	CaptureInterval time.Duration

	DefaultConfidence float64
	DefaultSampleRate int
	MaxUploadMB       int

	LogLevel    string
	Environment string

	Auth     auth.Config
	Telegram telegram.Config
}

// IsDev reports whether the service runs in a development environment
func (c *Config) IsDev() bool {
	return c.Environment == "dev" || c.Environment == "development"
}

// CameraHint returns the capture hint for new camera sessions
func (c *Config) CameraHint() camera.Hint {
	return camera.Hint{Width: c.CameraWidth, Height: c.CameraHeight, Facing: c.CameraFacing}
}

// MaxUploadBytes is the request body limit for media uploads
func (c *Config) MaxUploadBytes() int64 {
	return int64(c.MaxUploadMB) << 20
}

// Load reads an optional .env file, then the process environment.
// files overrides the default .env lookup.
func Load(files ...string) (*Config, error) {
	// A missing .env is fine, the environment alone is enough
	_ = godotenv.Load(files...)

	backendURL := getEnv("HELMDECT_BACKEND_URL", "")
	if backendURL == "" {
		backendURL = getEnv("API_URL", "http://localhost:5000")
	}

	cfg := &Config{
		HTTPAddr:          getEnv("HELMDECT_HTTP_ADDR", ":8080"),
		GRPCAddr:          getEnv("HELMDECT_GRPC_ADDR", ":9090"),
		BackendURL:        backendURL,
		BackendTimeout:    getEnvDuration("HELMDECT_BACKEND_TIMEOUT", 60*time.Second),
		DBPath:            getEnvAllowEmpty("HELMDECT_DB_PATH", "helmdect.db"),
		HistoryRetention:  getEnvDuration("HISTORY_RETENTION", 720*time.Hour),
		CameraDevice:      getEnv("HELMDECT_CAMERA_DEVICE", "/dev/video0"),
		CameraWidth:       getEnvInt("HELMDECT_CAMERA_WIDTH", 1280),
		CameraHeight:      getEnvInt("HELMDECT_CAMERA_HEIGHT", 720),
		CameraFacing:      camera.Facing(getEnv("HELMDECT_CAMERA_FACING", string(camera.FacingEnvironment))),
		CaptureInterval:   getEnvDuration("HELMDECT_CAPTURE_INTERVAL", session.DefaultCaptureInterval),
		DefaultConfidence: getEnvFloat("HELMDECT_DEFAULT_CONFIDENCE", session.DefaultConfidence),
		DefaultSampleRate: getEnvInt("HELMDECT_DEFAULT_SAMPLE_RATE", session.DefaultSampleRate),
		MaxUploadMB:       getEnvInt("HELMDECT_MAX_UPLOAD_MB", 200),
		LogLevel:          strings.ToLower(getEnv("LOG_LEVEL", "info")),
		Environment:       getEnv("ENVIRONMENT", "production"),
		Auth: auth.Config{
			Enabled:   getEnvBool("AUTH_ENABLED", false),
			Username:  getEnv("AUTH_USERNAME", "admin"),
			Password:  getEnv("AUTH_PASSWORD", ""),
			JWTSecret: getEnv("JWT_SECRET", ""),
			JWTExpiry: getEnvDuration("JWT_EXPIRY", 24*time.Hour),
		},
		Telegram: telegram.Config{
			Enabled:         getEnvBool("TELEGRAM_ENABLED", false),
			BotToken:        getEnv("TELEGRAM_BOT_TOKEN", ""),
			ChatID:          getEnv("TELEGRAM_CHAT_ID", ""),
			CooldownSeconds: getEnvInt("TELEGRAM_COOLDOWN_SECONDS", 300),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that have no sensible fallback
func (c *Config) Validate() error {
	if c.BackendURL == "" {
		return fmt.Errorf("backend URL must not be empty")
	}
	if c.CameraFacing != camera.FacingUser && c.CameraFacing != camera.FacingEnvironment {
		return fmt.Errorf("invalid camera facing %q (valid: user, environment)", c.CameraFacing)
	}
	if c.CameraWidth <= 0 || c.CameraHeight <= 0 {
		return fmt.Errorf("invalid camera resolution %dx%d", c.CameraWidth, c.CameraHeight)
	}
	if c.CaptureInterval <= 0 {
		return fmt.Errorf("capture interval must be positive")
	}
	if c.MaxUploadMB <= 0 {
		return fmt.Errorf("max upload size must be positive")
	}
	if c.Auth.Enabled && c.Auth.Password == "" {
		return fmt.Errorf("AUTH_PASSWORD is required when AUTH_ENABLED=true")
	}
	if err := telegram.ValidateConfig(c.Telegram); err != nil {
		return err
	}

	c.DefaultConfidence = session.ClampConfidence(c.DefaultConfidence)
	c.DefaultSampleRate = session.ClampSampleRate(c.DefaultSampleRate)
	return nil
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// getEnvAllowEmpty lets an explicitly empty variable override the default
func getEnvAllowEmpty(key, defaultVal string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if intVal, err := strconv.Atoi(v); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
