package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog/log"

	"github.com/Rrens/llm-chat-relay/internal/api/handler"
	customMiddleware "github.com/Rrens/llm-chat-relay/internal/api/middleware"
	"github.com/Rrens/llm-chat-relay/internal/config"
	"github.com/Rrens/llm-chat-relay/internal/domain"
	"github.com/Rrens/llm-chat-relay/internal/llm"
	"github.com/Rrens/llm-chat-relay/internal/llm/anthropic"
	"github.com/Rrens/llm-chat-relay/internal/llm/deepseek"
	"github.com/Rrens/llm-chat-relay/internal/llm/echo"
	"github.com/Rrens/llm-chat-relay/internal/llm/gemini"
	"github.com/Rrens/llm-chat-relay/internal/llm/ollama"
	"github.com/Rrens/llm-chat-relay/internal/llm/openai"
	"github.com/Rrens/llm-chat-relay/internal/metrics"
	"github.com/Rrens/llm-chat-relay/internal/quota"
	"github.com/Rrens/llm-chat-relay/internal/repository/redis"
	"github.com/Rrens/llm-chat-relay/internal/security"
	"github.com/Rrens/llm-chat-relay/internal/service"
)

// Dependencies are the long-lived resources owned by main
type Dependencies struct {
	Store    domain.ConversationStore
	Redis    *redis.Client // optional; enables the shared request limiter
	Metrics  *metrics.Metrics
	Registry *llm.Registry // optional; built from config when nil
}

// NewRouter creates and configures the HTTP router
func NewRouter(cfg *config.Config, deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(customMiddleware.Logger)
	r.Use(middleware.Recoverer)
	if deps.Metrics != nil {
		r.Use(customMiddleware.Metrics(deps.Metrics))
	}

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Last-Event-ID"},
		ExposedHeaders:   []string{"X-Request-ID", "Retry-After", "X-RateLimit-Remaining"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	jwtManager := security.NewJWTManager(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.AccessTokenTTL)

	registry := deps.Registry
	if registry == nil {
		registry = NewRegistry(cfg.LLM)
	}

	guard := quota.NewGuard(deps.Store, quota.Limits{
		RateLimitSeconds: cfg.Chat.RateLimitSeconds,
		MaxConversations: cfg.Chat.MaxConversations,
		MaxMessages:      cfg.Chat.MaxMessages,
	})

	// Initialize services
	conversationService := service.NewConversationService(deps.Store, guard, registry, cfg.Chat.DefaultTemperature, deps.Metrics)
	messageService := service.NewMessageService(
		deps.Store,
		guard,
		registry,
		cfg.Chat.ConnectionTimeout,
		cfg.Chat.HistoryWindow,
		deps.Metrics,
	)

	// Initialize handlers
	conversationHandler := handler.NewConversationHandler(conversationService)
	messageHandler := handler.NewMessageHandler(messageService)

	authMiddleware := customMiddleware.NewAuthMiddleware(jwtManager)

	var rateLimitMiddleware *customMiddleware.RateLimitMiddleware
	if cfg.Security.RateLimit.Enabled {
		var limiter customMiddleware.RequestLimiter
		if deps.Redis != nil {
			limiter = redis.NewRequestLimiter(deps.Redis, cfg.Security.RateLimit.RequestsPerMinute, cfg.Security.RateLimit.Burst)
		} else {
			limiter = customMiddleware.NewLocalLimiter(cfg.Security.RateLimit.RequestsPerMinute, cfg.Security.RateLimit.Burst)
		}
		rateLimitMiddleware = customMiddleware.NewRateLimitMiddleware(limiter)
	}

	if deps.Metrics != nil && cfg.Metrics.Enabled {
		r.Handle(cfg.Metrics.Path, deps.Metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		// Health check
		r.Get("/health", handler.HealthCheck)
		r.Get("/ready", handler.ReadyCheck(deps.Store))

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(authMiddleware.Authenticate)

			r.Get("/settings", conversationHandler.Settings)

			r.Route("/conversations", func(r chi.Router) {
				// Request/response routes
				r.Group(func(r chi.Router) {
					r.Use(middleware.Timeout(cfg.Server.MiddlewareTimeout))
					if rateLimitMiddleware != nil {
						r.Use(rateLimitMiddleware.Limit)
					}

					r.Get("/", conversationHandler.List)
					r.Post("/", conversationHandler.Create)

					r.Get("/{conversationID}", conversationHandler.Get)
					r.Patch("/{conversationID}", conversationHandler.Update)
					r.Put("/{conversationID}", conversationHandler.Update)
					r.Delete("/{conversationID}", conversationHandler.Delete)
					r.Post("/{conversationID}/messages", messageHandler.Send)
					r.Get("/{conversationID}/export", conversationHandler.Export)
				})

				// Streams outlive the request timeout
				r.Get("/{conversationID}/stream", messageHandler.Stream)
				r.Post("/{conversationID}/stream", messageHandler.Stream)
			})
		})
	})

	return r
}

// NewRegistry registers every enabled backend. Network backends are built on first use.
func NewRegistry(cfg config.LLMConfig) *llm.Registry {
	registry := llm.NewRegistry(cfg.DefaultService)

	log.Info().Msgf("Initializing LLM backends. Default: %s", cfg.DefaultService)

	if cfg.Echo.Enabled {
		registry.Register(echo.NewBackend(cfg.Echo))
	}
	if cfg.OpenAI.Enabled {
		registry.RegisterFactory(llm.ServiceOpenAI, func() llm.Backend { return openai.NewBackend(cfg.OpenAI) })
	}
	if cfg.Ollama.Enabled {
		log.Info().Str("host", cfg.Ollama.Host).Msg("Registering Ollama backend")
		registry.RegisterFactory(llm.ServiceOllama, func() llm.Backend { return ollama.NewBackend(cfg.Ollama) })
	}
	if cfg.DeepSeek.Enabled {
		registry.RegisterFactory(llm.ServiceDeepSeek, func() llm.Backend { return deepseek.NewBackend(cfg.DeepSeek) })
	}
	if cfg.Gemini.Enabled {
		if cfg.Gemini.APIKey == "" {
			log.Warn().Msg("Gemini API Key is empty, the service will stay unavailable")
		}
		registry.RegisterFactory(llm.ServiceGemini, func() llm.Backend { return gemini.NewBackend(cfg.Gemini) })
	}
	if cfg.Anthropic.Enabled {
		registry.RegisterFactory(llm.ServiceAnthropic, func() llm.Backend { return anthropic.NewBackend(cfg.Anthropic) })
	}

	if _, err := registry.Get(""); err != nil {
		log.Warn().Str("service", cfg.DefaultService).Msg("default LLM service is not available")
	}

	return registry
}
