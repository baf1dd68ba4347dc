package server

import (
	"strings"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/mnma/mnma-backend/internal/handlers"
)

type RouterConfig struct {
	UploadHandler *handlers.UploadHandler
	ChatHandler   *handlers.ChatHandler
	StatusHandler *handlers.StatusHandler
	AllowOrigins  []string
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.Default()

	// Cors
	corsConfig := cors.Config{
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Requested-With"},
		AllowCredentials: true,
	}
	if len(cfg.AllowOrigins) == 0 || hasWildcard(cfg.AllowOrigins) {
		corsConfig.AllowAllOrigins = true
		corsConfig.AllowCredentials = false
	} else {
		corsConfig.AllowOrigins = cfg.AllowOrigins
	}
	router.Use(cors.New(corsConfig))

	router.GET("/healthcheck", handlers.HealthCheck)

	upload := router.Group("/upload")
	{
		upload.POST("/upload_files", cfg.UploadHandler.UploadFiles)
		upload.GET("/get_files/:user_id", cfg.UploadHandler.GetFiles)
		upload.GET("/get_files_status/:user_id", cfg.UploadHandler.GetFilesStatus)
		upload.POST("/remove_file", cfg.UploadHandler.RemoveFile)
		upload.GET("/status_stream/:user_id", cfg.StatusHandler.Stream)
	}

	router.GET("/chat/:user_id/:chat_name/*file_ids", cfg.ChatHandler.Connect)

	return router
}

func hasWildcard(origins []string) bool {
	for _, o := range origins {
		if strings.TrimSpace(o) == "*" {
			return true
		}
	}
	return false
}
