package api

import (
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/roomsync/internal/api/middleware"
	"github.com/eldtechnologies/roomsync/internal/handlers"
)

// Options configures the router's middleware.
type Options struct {
	MaxImageBytes      int           // sizes the request body cap
	RedisClient        *redis.Client // enables rate limiting when set
	RateLimitWhitelist []string
	AutoBlockEnabled   bool
	AllowedOrigins     []string
}

// maxBodyBytes leaves room for a base64 image plus the rest of the message.
func maxBodyBytes(maxImageBytes int) int64 {
	return int64(maxImageBytes)*4/3 + 64*1024
}

// NewRouter creates and configures the HTTP router.
func NewRouter(logger zerolog.Logger, deps handlers.Deps, opts Options) *chi.Mux {
	r := chi.NewRouter()

	// Metrics middleware (first to capture all requests)
	r.Use(middleware.Metrics)

	// Security middleware (order matters!)
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.MaxBodySize(maxBodyBytes(opts.MaxImageBytes)))
	r.Use(middleware.ValidateRequest)

	// Standard middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger(logger))
	r.Use(chimw.Recoverer)

	// Rate limiting needs Redis
	if opts.RedisClient != nil {
		limiter := middleware.NewRateLimiter(opts.RedisClient, logger, middleware.RateLimiterConfig{
			Whitelist:        opts.RateLimitWhitelist,
			AutoBlockEnabled: opts.AutoBlockEnabled,
		})
		r.Use(limiter.Middleware)
	}

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", handlers.SessionHeader},
		ExposedHeaders:   []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	deps.AllowedOrigins = origins
	h := handlers.NewHandler(deps)

	// Metrics endpoint (for Prometheus scraping)
	r.Handle("/metrics", promhttp.Handler())

	r.Get("/", h.Root)
	r.Get("/health", h.Health)
	r.Get("/stats", h.Stats)

	r.Route("/rooms", func(r chi.Router) {
		r.Post("/", h.CreateRoom)
		r.Get("/", h.ListRooms)
		r.Get("/{id}", h.GetRoom)
		r.Get("/{id}/messages", h.GetRoomMessages)
		r.Post("/{id}/messages", h.PostMessage)
		r.Get("/{id}/stream", h.Stream)
	})

	return r
}
