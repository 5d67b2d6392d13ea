package server

import (
	"strings"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/vehicledx/backend/internal/auth"
	"github.com/vehicledx/backend/internal/handlers"
	"github.com/vehicledx/backend/internal/middleware"
	"github.com/vehicledx/backend/internal/platform/envutil"
	"github.com/vehicledx/backend/internal/platform/logger"
)

// NewRouter assembles the HTTP surface: health, the websocket session
// endpoint, and the authenticated REST routes under /api/v1.
func NewRouter(
	log *logger.Logger,
	verifier *auth.Verifier,
	sessionHandler *handlers.SessionHandler,
	transcriptHandler *handlers.TranscriptHandler,
	tokenHandler *handlers.TokenHandler,
) *gin.Engine {
	env := envutil.String("APP_ENV", "dev")
	if env == "prod" || env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(cors.New(corsConfig()))

	r.GET("/health", handlers.Health())

	api := r.Group("/api/v1")

	// websocket dials authenticate inside the session manager
	api.GET("/sessions/connect", sessionHandler.Connect)

	authed := api.Group("", middleware.Auth(verifier, log))
	authed.GET("/conversations", transcriptHandler.ListConversations)
	authed.GET("/conversations/:id/transcript", transcriptHandler.GetTranscript)
	authed.GET("/conversations/:id/messages", transcriptHandler.ListMessages)
	authed.GET("/tokens/balance", tokenHandler.GetBalance)

	return r
}

func corsConfig() cors.Config {
	cfg := cors.DefaultConfig()
	cfg.AllowHeaders = []string{"Authorization", "Content-Type"}
	cfg.AllowMethods = []string{"GET", "POST", "OPTIONS"}

	origins := envutil.String("CORS_ORIGINS", "")
	if origins == "" {
		cfg.AllowAllOrigins = true
		return cfg
	}
	for _, o := range strings.Split(origins, ",") {
		if trimmed := strings.TrimSpace(o); trimmed != "" {
			cfg.AllowOrigins = append(cfg.AllowOrigins, trimmed)
		}
	}
	cfg.AllowCredentials = true
	return cfg
}
