package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/mnma/mnma-backend/internal/ai"
	"github.com/mnma/mnma-backend/internal/blob"
	"github.com/mnma/mnma-backend/internal/chat"
	"github.com/mnma/mnma-backend/internal/db"
	"github.com/mnma/mnma-backend/internal/handlers"
	"github.com/mnma/mnma-backend/internal/indexer"
	"github.com/mnma/mnma-backend/internal/logger"
	"github.com/mnma/mnma-backend/internal/notify"
	"github.com/mnma/mnma-backend/internal/queue"
	"github.com/mnma/mnma-backend/internal/repos"
	"github.com/mnma/mnma-backend/internal/server"
	"github.com/mnma/mnma-backend/internal/services"
	"github.com/mnma/mnma-backend/internal/utils"
	"github.com/mnma/mnma-backend/internal/vecstore"
)

func main() {
	// Logger
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Postgres
	postgresService, err := db.NewPostgresService(log)
	if err != nil {
		log.Error("Postgres init failed", "error", err)
		os.Exit(1)
	}
	if err = postgresService.AutoMigrateAll(); err != nil {
		log.Error("Postgres auto migration failed", "error", err)
		os.Exit(1)
	}
	thePG := postgresService.DB()

	// Repos
	log.Info("Setting up Repos from main...")
	fileRecordRepo := repos.NewFileRecordRepo(thePG, log)

	// Platform clients
	log.Info("Setting up platform clients from main...")
	blobStore, err := blob.NewS3Store(log)
	if err != nil {
		log.Error("Could not init S3 blob store", "error", err)
		os.Exit(1)
	}
	transport, err := queue.NewSQSTransport(log)
	if err != nil {
		log.Error("Could not init SQS transport", "error", err)
		os.Exit(1)
	}
	vectorConfig, err := vecstore.ResolveConfigFromEnv()
	if err != nil {
		log.Error("Could not resolve vector store config", "error", err)
		os.Exit(1)
	}
	vectorStore, err := vecstore.NewStore(log, vectorConfig)
	if err != nil {
		log.Error("Could not init vector store", "error", err)
		os.Exit(1)
	}
	aiClient, err := ai.NewClient(log)
	if err != nil {
		log.Error("Could not init AI client", "error", err)
		os.Exit(1)
	}

	// Status notifications
	log.Info("Setting up status hub now...")
	statusHub := notify.NewHub(log)
	var statusBus notify.Bus
	if strings.TrimSpace(os.Getenv("REDIS_ADDR")) != "" {
		statusBus, err = notify.NewRedisBus(log)
		if err != nil {
			log.Error("Could not init redis status bus", "error", err)
			os.Exit(1)
		}
		defer statusBus.Close()
		if err := statusBus.StartForwarder(ctx, statusHub.Broadcast); err != nil {
			log.Error("Could not start status forwarder", "error", err)
			os.Exit(1)
		}
	} else {
		log.Warn("REDIS_ADDR not set; status events stay in-process")
	}
	notifier := notify.NewNotifier(log, statusHub, statusBus)

	// Services
	log.Info("Setting up Services from main...")
	uploadService := services.NewUploadService(log, fileRecordRepo, blobStore, transport, vectorStore, notifier)
	prompts, err := chat.LoadPrompts(log)
	if err != nil {
		log.Error("Could not load prompts", "error", err)
		os.Exit(1)
	}
	retriever := chat.NewRetriever(log, aiClient, vectorStore, prompts)
	chatManager := chat.NewManager(log, fileRecordRepo, retriever)

	// Indexing pipeline
	log.Info("Setting up index workers from main...")
	chunker := indexer.NewChunker(log)
	ix := indexer.NewIndexer(log, fileRecordRepo, blobStore, vectorStore, aiClient, chunker, notifier)
	worker := indexer.NewWorker(log, transport, ix)
	worker.Start(ctx)
	sweeper := indexer.NewSweeper(log, fileRecordRepo, transport)
	sweeper.Start(ctx)

	// Handlers
	log.Info("Setting up handlers from main...")
	uploadHandler := handlers.NewUploadHandler(log, uploadService)
	chatHandler := handlers.NewChatHandler(log, chatManager)
	statusHandler := handlers.NewStatusHandler(log, statusHub)

	// Router
	log.Info("Setting up router from main...")
	allowOrigins := strings.Split(utils.GetEnv("CORS_ALLOW_ORIGINS", "*", log), ",")
	router := server.NewRouter(server.RouterConfig{
		UploadHandler: uploadHandler,
		ChatHandler:   chatHandler,
		StatusHandler: statusHandler,
		AllowOrigins:  allowOrigins,
	})

	port := utils.GetEnv("PORT", "8080", log)
	fmt.Printf("Server listening on :%s\n", port)
	if err := router.Run(":" + port); err != nil {
		log.Error("Server failed", "error", err)
	}
}
