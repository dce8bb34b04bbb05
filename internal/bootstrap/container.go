package bootstrap

import (
	"context"

	"studyroom-sync-be/internal/config"
	"studyroom-sync-be/internal/controller"
	"studyroom-sync-be/internal/handler"
	"studyroom-sync-be/internal/pkg/logger"
	"studyroom-sync-be/internal/pkg/serverutils"
	"studyroom-sync-be/internal/realtime"
	"studyroom-sync-be/internal/repository/implementation"
	"studyroom-sync-be/internal/repository/memory"
	"studyroom-sync-be/internal/service"
	"studyroom-sync-be/internal/websocket"
	"studyroom-sync-be/pkg/llm"
	"studyroom-sync-be/pkg/llm/factory"
	pktNats "studyroom-sync-be/pkg/nats"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

type Container struct {
	// Controllers
	SessionController controller.ISessionController

	// WebSockets
	SessionHandler *handler.SessionHandler
	WebSocketHub   *websocket.Hub
	TokenVerifier  *serverutils.TokenVerifier

	// Background Services (Exposed for main.go to run)
	Engine        *realtime.Engine
	RewardService service.IRewardService

	Logger logger.ILogger

	closers []func()
}

// NewContainer wires the application. db may be nil, in which case
// messages are kept in memory only.
func NewContainer(ctx context.Context, db *gorm.DB, cfg *config.Config) *Container {
	// 1. Core Facades
	sysLogger := logger.NewZapLogger(cfg.App.LogFilePath, cfg.App.Environment == "production")
	rtLogger := logger.NewIsolatedLogger(cfg.App.RealtimeLogPath)
	c := &Container{Logger: sysLogger}

	var store realtime.MessageStore
	if db != nil {
		store = implementation.NewRoomMessageRepository(db)
	} else {
		sysLogger.Warn("BOOTSTRAP", "No database configured, room messages are kept in memory", nil)
		store = memory.NewRoomMessageRepository()
	}

	// 2. Event Bus
	watermillLogger := watermill.NewStdLogger(false, false)
	pubSub := gochannel.NewGoChannel(
		gochannel.Config{OutputChannelBuffer: 256},
		watermillLogger,
	)
	c.closers = append(c.closers, func() { pubSub.Close() })

	// NATS
	var bus service.EventPublisher
	natsPub, err := pktNats.NewPublisher(cfg.App.NatsURL, sysLogger)
	if err != nil {
		sysLogger.Warn("BOOTSTRAP", "Failed to connect to NATS Publisher, rewards will not be forwarded", map[string]interface{}{"error": err.Error()})
	} else {
		bus = natsPub
		c.closers = append(c.closers, natsPub.Close)
	}

	// Redis
	opt, err := redis.ParseURL(cfg.App.RedisURL)
	if err != nil {
		sysLogger.Warn("BOOTSTRAP", "Failed to parse Redis URL, using direct Addr", map[string]interface{}{"error": err.Error()})
		opt = &redis.Options{Addr: cfg.App.RedisURL}
	}
	rdb := redis.NewClient(opt)
	if _, err := rdb.Ping(ctx).Result(); err != nil {
		sysLogger.Warn("BOOTSTRAP", "Failed to connect to Redis, roster mirror disabled", map[string]interface{}{"error": err.Error()})
		rdb.Close()
		rdb = nil
	} else {
		c.closers = append(c.closers, func() { rdb.Close() })
	}

	// WebSocket Hub
	wsHub := websocket.NewHub(rdb, rtLogger)
	c.WebSocketHub = wsHub

	// 3. Services
	rewardService := service.NewRewardService(pubSub, cfg.App.RewardTopic, bus, sysLogger)
	c.RewardService = rewardService

	rt := cfg.Realtime
	engine := realtime.NewEngine(realtime.EngineConfig{
		Coordinator: realtime.CoordinatorConfig{
			Presence: realtime.PresenceConfig{
				AwayTimeout: rt.PresenceAwayTimeout,
				GracePeriod: rt.PresenceGracePeriod,
				Retention:   rt.PresenceRetention,
			},
			TypingTTL: rt.TypingTTL,
			Sequencer: realtime.SequencerConfig{
				ReplayWindow:     rt.ReplayWindow,
				DedupTTL:         rt.DedupTTL,
				MaxContentLength: rt.MaxMessageLength,
			},
			Assembler: realtime.AssemblerConfig{
				IdleTimeout: rt.StreamIdleTimeout,
				Retention:   rt.StreamRetention,
			},
			Timer: realtime.TimerConfig{
				Work:           rt.WorkDuration,
				ShortBreak:     rt.ShortBreakDuration,
				LongBreak:      rt.LongBreakDuration,
				LongBreakEvery: rt.LongBreakEvery,
				AutoAdvance:    rt.TimerAutoAdvance,
			},
			AssistantID:     rt.AssistantID,
			ResyncLatestIDs: rt.ResyncLatestIDs,
			PersistTimeout:  rt.PersistTimeout,
			SweepInterval:   rt.SweepInterval,
			TickInterval:    rt.TickInterval,
		},
		AutoCreateRooms:  rt.AutoCreateRooms,
		SessionIdleGrace: rt.SessionIdleGrace,
	}, realtime.CoordinatorDeps{
		Store:   store,
		Rewards: rewardService,
		Mirror:  wsHub,
		Logger:  rtLogger,
	})
	c.Engine = engine

	// Initialize LLM Provider based on Config
	llmProvider, err := factory.NewLLMProvider(cfg.Ai.LLMProvider, cfg.Ai.LLMModel, cfg.Ai.OllamaBaseURL)
	if err != nil {
		sysLogger.Error("BOOTSTRAP", "Failed to initialize LLM Provider", map[string]interface{}{"error": err.Error()})
		panic(err)
	}
	sysLogger.Info("BOOTSTRAP", "Using LLM Provider", map[string]interface{}{"provider": cfg.Ai.LLMProvider, "model": cfg.Ai.LLMModel})

	var rosters service.RosterReader
	if rdb != nil {
		rosters = wsHub
	}
	sessionService := service.NewSessionService(engine, store, rosters, llmProvider, rt.AssistantID, cfg.Ai.HistoryLimit, sysLogger,
		llm.WithTemperature(cfg.Ai.Temperature), llm.WithMaxTokens(cfg.Ai.MaxTokens))

	// 4. Transport
	c.TokenVerifier = serverutils.NewTokenVerifier(cfg.Auth.JwtSecret)
	c.SessionController = controller.NewSessionController(sessionService, sysLogger)
	c.SessionHandler = handler.NewSessionHandler(ctx, engine, wsHub, c.TokenVerifier, rtLogger)

	return c
}

// Close releases external connections. Call after the engine has shut down.
func (c *Container) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
	c.Logger.Sync()
}
