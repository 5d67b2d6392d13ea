package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vehicledx/backend/internal/auth"
	"github.com/vehicledx/backend/internal/completion"
	"github.com/vehicledx/backend/internal/conversation"
	"github.com/vehicledx/backend/internal/db"
	"github.com/vehicledx/backend/internal/handlers"
	"github.com/vehicledx/backend/internal/ledger"
	"github.com/vehicledx/backend/internal/pkg/tokencount"
	"github.com/vehicledx/backend/internal/platform/envutil"
	"github.com/vehicledx/backend/internal/platform/logger"
	"github.com/vehicledx/backend/internal/platform/openai"
	"github.com/vehicledx/backend/internal/platform/qdrant"
	"github.com/vehicledx/backend/internal/platform/vector"
	"github.com/vehicledx/backend/internal/realtime"
	"github.com/vehicledx/backend/internal/repos"
	"github.com/vehicledx/backend/internal/retriever"
	"github.com/vehicledx/backend/internal/server"
	"github.com/vehicledx/backend/internal/session"
	"github.com/vehicledx/backend/internal/transcript"
)

func main() {
	// Logger
	log, err := logger.New(envutil.String("LOG_MODE", "development"))
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Postgres
	gdb, err := db.Init(log)
	if err != nil {
		log.Error("Postgres init failed", "error", err)
		os.Exit(1)
	}

	// Repos
	log.Info("Setting up repos...")
	conversationRepo := repos.NewConversationRepo(gdb, log)
	messageRepo := repos.NewMessageRepo(gdb, log)
	ledgerEntryRepo := repos.NewLedgerEntryRepo(gdb, log)

	// Providers
	log.Info("Setting up provider clients...")
	openaiClient, err := openai.NewClient(log)
	if err != nil {
		log.Error("Could not init OpenAI client", "error", err)
		os.Exit(1)
	}

	var store vector.Store = vector.Unavailable{}
	qdrantCfg := qdrant.Config{
		URL:             envutil.String("QDRANT_URL", ""),
		Collection:      envutil.String("QDRANT_COLLECTION", "vehicle_knowledge"),
		NamespacePrefix: envutil.String("QDRANT_NAMESPACE_PREFIX", ""),
		VectorDim:       envutil.Int("QDRANT_VECTOR_DIM", 1536),
	}
	if qdrantCfg.URL != "" {
		qdrantStore, err := qdrant.NewVectorStore(log, qdrantCfg)
		if err != nil {
			log.Warn("Qdrant init failed, retrieval will degrade", "error", err)
		} else {
			store = qdrantStore
		}
	} else {
		log.Warn("QDRANT_URL not set, retrieval will degrade")
	}

	estimator, err := tokencount.Get()
	if err != nil {
		log.Error("Could not load token encoding", "error", err)
		os.Exit(1)
	}

	var bus realtime.Bus = realtime.NopBus{}
	if os.Getenv("REDIS_ADDR") != "" {
		redisBus, err := realtime.NewRedisBus(log)
		if err != nil {
			log.Warn("Redis bus init failed, events stay local", "error", err)
		} else {
			bus = redisBus
			defer bus.Close()
			// Mirror turn lifecycle events from the other instances into
			// this instance's log stream.
			if err := bus.StartForwarder(ctx, func(ev realtime.Event) {
				log.Info("turn event",
					"type", ev.Type,
					"conversation_id", ev.ConversationID,
					"user_id", ev.UserID,
					"seq", ev.Seq,
				)
			}); err != nil {
				log.Warn("Event forwarder failed to start", "error", err)
			}
		}
	}

	// Services
	log.Info("Setting up services...")
	verifier, err := auth.NewVerifier(log)
	if err != nil {
		log.Error("Could not init auth verifier", "error", err)
		os.Exit(1)
	}
	tokenLedger := ledger.New(log, ledgerEntryRepo, envutil.DurationSeconds("LEDGER_WINDOW_SECONDS", time.Hour))
	knowledgeRetriever := retriever.New(log, openaiClient, store)
	completionAdapter := completion.New(log, openaiClient)
	engine := conversation.NewEngine(log, conversationRepo, messageRepo, tokenLedger, knowledgeRetriever, completionAdapter, estimator, bus)
	finalizer := transcript.New(log, conversationRepo, messageRepo)
	sessionManager := session.NewManager(log, verifier, engine, finalizer)
	go sessionManager.Run(ctx)

	// Handlers
	log.Info("Setting up handlers...")
	sessionHandler := handlers.NewSessionHandler(sessionManager)
	transcriptHandler := handlers.NewTranscriptHandler(log, finalizer, conversationRepo, messageRepo)
	tokenHandler := handlers.NewTokenHandler(log, tokenLedger)

	// Router
	router := server.NewRouter(log, verifier, sessionHandler, transcriptHandler, tokenHandler)

	port := envutil.String("PORT", "8080")
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: router,
	}

	go func() {
		log.Info("Server listening", "port", port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down...")

	sessionManager.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP shutdown incomplete", "error", err)
	}
}
