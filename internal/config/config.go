package config

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// App holds the runtime configuration loaded from environment variables.
type App struct {
	Env             string
	HTTPPort        string
	MongoURI        string
	MongoDatabase   string
	StoreBackend    string
	RedisAddr       string
	EventsBackend   string
	CVEngineURL     string
	CVEngineSkip    bool
	CVEngineTimeout time.Duration
	PhotoDir        string
	MaxUploadBytes  int64
	Timezone        string
	AuthEnabled     bool
	JWTIssuer       string
	JWTSigningKey   string
	AccessTTL       time.Duration
	RateLimitPerMin int
	SSEHeartbeat    time.Duration
	LogLevel        string
	APIURL          string
}

// Load reads an optional .env file and returns config populated from the environment.
func Load() App {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("config: ignoring unreadable .env: %v", err)
	}
	return App{
		Env:             getEnv("APP_ENV", "dev"),
		HTTPPort:        getEnv("HTTP_PORT", "3070"),
		MongoURI:        getEnv("MONGODB_URI", "mongodb://localhost:27017"),
		MongoDatabase:   getEnv("MONGODB_DATABASE", "attendance_system"),
		StoreBackend:    getEnv("STORE_BACKEND", "mongo"),
		RedisAddr:       getEnv("REDIS_ADDR", "localhost:6379"),
		EventsBackend:   getEnv("EVENTS_BACKEND", "memory"),
		CVEngineURL:     strings.TrimRight(getEnv("CV_ENGINE_URL", "http://localhost:5001"), "/"),
		CVEngineSkip:    boolEnv("CV_ENGINE_SKIP", false),
		CVEngineTimeout: durationEnv("CV_ENGINE_TIMEOUT", 30*time.Second),
		PhotoDir:        getEnv("PHOTO_DIR", "./uploads/students"),
		MaxUploadBytes:  int64(intEnv("MAX_UPLOAD_BYTES", 5*1024*1024)),
		Timezone:        getEnv("TIMEZONE", "Local"),
		AuthEnabled:     boolEnv("AUTH_ENABLED", false),
		JWTIssuer:       getEnv("JWT_ISSUER", "attendance-api"),
		JWTSigningKey:   getEnv("JWT_SIGNING_KEY", "dev-signing-secret-change"),
		AccessTTL:       durationEnv("ACCESS_TTL", 12*time.Hour),
		RateLimitPerMin: intEnv("RATE_LIMIT_PER_MIN", 600),
		SSEHeartbeat:    durationEnv("SSE_HEARTBEAT", 25*time.Second),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		APIURL:          strings.TrimRight(getEnv("API_URL", "http://localhost:3070"), "/"),
	}
}

// Production reports whether the app runs with production settings.
func (a App) Production() bool {
	return a.Env == "production" || a.Env == "prod"
}

// Location resolves Timezone; attendance days are counted in it.
func (a App) Location() (*time.Location, error) {
	if a.Timezone == "" || a.Timezone == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(a.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", a.Timezone, err)
	}
	return loc, nil
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func durationEnv(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			log.Printf("invalid duration for %s: %v, using fallback %s", key, err, fallback)
			return fallback
		}
		return d
	}
	return fallback
}

func boolEnv(key string, fallback bool) bool {
	if val := os.Getenv(key); val != "" {
		switch strings.ToLower(val) {
		case "1", "true", "yes":
			return true
		case "0", "false", "no":
			return false
		}
		log.Printf("invalid bool for %s, using fallback %v", key, fallback)
	}
	return fallback
}

func intEnv(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		var parsed int
		if _, err := fmt.Sscanf(val, "%d", &parsed); err == nil {
			return parsed
		}
		log.Printf("invalid int for %s, using fallback %d", key, fallback)
	}
	return fallback
}
