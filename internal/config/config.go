package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	App      AppConfig
	Database DatabaseConfig
	Auth     AuthConfig
	Realtime RealtimeConfig
	Ai       AIConfig
}

type AppConfig struct {
	Port               string
	Environment        string
	LogFilePath        string
	RealtimeLogPath    string
	CorsAllowedOrigins string
	NatsURL            string
	RedisURL           string
	RewardTopic        string // in-process topic feeding the rewards bridge
	InstanceID         string
}

type DatabaseConfig struct {
	Connection string
}

type AuthConfig struct {
	JwtSecret string
}

// RealtimeConfig tunes the session engine. Durations accept Go syntax ("1500ms", "30s").
type RealtimeConfig struct {
	AutoCreateRooms     bool
	PresenceAwayTimeout time.Duration
	PresenceGracePeriod time.Duration
	PresenceRetention   time.Duration
	TypingTTL           time.Duration
	SweepInterval       time.Duration
	TickInterval        time.Duration
	ReplayWindow        int
	ResyncLatestIDs     int
	DedupTTL            time.Duration
	MaxMessageLength    int
	PersistTimeout      time.Duration
	StreamIdleTimeout   time.Duration
	StreamRetention     time.Duration
	SessionIdleGrace    time.Duration
	WorkDuration        time.Duration
	ShortBreakDuration  time.Duration
	LongBreakDuration   time.Duration
	LongBreakEvery      int
	TimerAutoAdvance    bool
	AssistantID         string
}

type AIConfig struct {
	LLMProvider   string // "ollama"
	OllamaBaseURL string
	LLMModel      string // e.g. "llama3", "qwen2.5"
	HistoryLimit  int    // room messages forwarded to the model as context
	Temperature   float64
	MaxTokens     int // 0 leaves the model's own limit
}

func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("Note: .env file not found, usage system environment")
	}

	hostname, _ := os.Hostname()

	return &Config{
		App: AppConfig{
			Port:               getEnv("APP_PORT", "3000"),
			Environment:        getEnv("GO_ENV", "development"),
			LogFilePath:        getEnv("LOG_FILE_PATH", "logs/app.log"),
			RealtimeLogPath:    getEnv("REALTIME_LOG_FILE_PATH", "logs/realtime.log"),
			CorsAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173"),
			NatsURL:            getEnv("NATS_URL", "nats://localhost:4222"),
			RedisURL:           getEnv("REDIS_URL", "redis://localhost:6379"),
			RewardTopic:        getEnv("REWARD_TOPIC_NAME", "STUDY_SESSION_COMPLETED"),
			InstanceID:         getEnv("INSTANCE_ID", hostname),
		},
		Database: DatabaseConfig{
			Connection: getEnv("DB_CONNECTION_STRING", ""),
		},
		Auth: AuthConfig{
			JwtSecret: getEnv("JWT_SECRET", ""),
		},
		Realtime: RealtimeConfig{
			AutoCreateRooms:     getEnvAsBool("AUTO_CREATE_ROOMS", false),
			PresenceAwayTimeout: getEnvAsDuration("PRESENCE_AWAY_TIMEOUT", 30*time.Second),
			PresenceGracePeriod: getEnvAsDuration("PRESENCE_GRACE_PERIOD", 10*time.Second),
			PresenceRetention:   getEnvAsDuration("PRESENCE_RETENTION", 10*time.Minute),
			TypingTTL:           getEnvAsDuration("TYPING_TTL", 1500*time.Millisecond),
			SweepInterval:       getEnvAsDuration("SWEEP_INTERVAL", 250*time.Millisecond),
			TickInterval:        getEnvAsDuration("TIMER_TICK_INTERVAL", time.Second),
			ReplayWindow:        getEnvAsInt("REPLAY_WINDOW", 200),
			ResyncLatestIDs:     getEnvAsInt("RESYNC_LATEST_IDS", 50),
			DedupTTL:            getEnvAsDuration("DEDUP_TTL", 10*time.Minute),
			MaxMessageLength:    getEnvAsInt("MAX_MESSAGE_LENGTH", 4000),
			PersistTimeout:      getEnvAsDuration("PERSIST_TIMEOUT", 5*time.Second),
			StreamIdleTimeout:   getEnvAsDuration("STREAM_IDLE_TIMEOUT", 60*time.Second),
			StreamRetention:     getEnvAsDuration("STREAM_RETENTION", 2*time.Minute),
			SessionIdleGrace:    getEnvAsDuration("SESSION_IDLE_GRACE", 5*time.Minute),
			WorkDuration:        getEnvAsDuration("TIMER_WORK_DURATION", 25*time.Minute),
			ShortBreakDuration:  getEnvAsDuration("TIMER_SHORT_BREAK_DURATION", 5*time.Minute),
			LongBreakDuration:   getEnvAsDuration("TIMER_LONG_BREAK_DURATION", 15*time.Minute),
			LongBreakEvery:      getEnvAsInt("TIMER_LONG_BREAK_EVERY", 4),
			TimerAutoAdvance:    getEnvAsBool("TIMER_AUTO_ADVANCE", false),
			AssistantID:         getEnv("ASSISTANT_PARTICIPANT_ID", "assistant"),
		},
		Ai: AIConfig{
			LLMProvider:   getEnv("LLM_PROVIDER", "ollama"),
			OllamaBaseURL: getEnv("OLLAMA_BASE_URL", "http://localhost:11434"),
			LLMModel:      getEnv("LLM_MODEL", "llama3"),
			HistoryLimit:  getEnvAsInt("LLM_HISTORY_LIMIT", 20),
			Temperature:   getEnvAsFloat("LLM_TEMPERATURE", 0.7),
			MaxTokens:     getEnvAsInt("LLM_MAX_TOKENS", 0),
		},
	}
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	strValue := getEnv(key, "")
	if value, err := strconv.Atoi(strValue); err == nil {
		return value
	}
	return fallback
}

func getEnvAsFloat(key string, fallback float64) float64 {
	strValue := getEnv(key, "")
	if value, err := strconv.ParseFloat(strValue, 64); err == nil {
		return value
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	strValue := getEnv(key, "")
	if value, err := strconv.ParseBool(strValue); err == nil {
		return value
	}
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	strValue := getEnv(key, "")
	if value, err := time.ParseDuration(strValue); err == nil && value > 0 {
		return value
	}
	return fallback
}
