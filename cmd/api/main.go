package main

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"haven-chat/internal/config"
	"haven-chat/internal/directory"
	"haven-chat/internal/feed"
	"haven-chat/internal/handler"
	"haven-chat/internal/middleware"
	"haven-chat/internal/outbox"
	"haven-chat/internal/repository"
	"haven-chat/internal/services"
	ws "haven-chat/internal/websocket"
	"haven-chat/pkg/database"
	"haven-chat/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	l := logger.New(cfg.Server.Environment)
	logger.SetGlobalLogger(l)

	db, err := database.Connect(cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	conversationRepo := repository.NewConversationRepository(db)
	messageRepo := repository.NewMessageRepository(db)
	outboxRepo := repository.NewOutboxRepository(db)

	changeFeed := feed.NewRedisFeed(redisClient, l)
	sink := outbox.NewSink(outboxRepo)

	dir := directory.New(conversationRepo, sink, l)
	authService := services.NewAuthService(cfg.Auth.JWTSecret)
	chatService := services.NewChatService(db, conversationRepo, messageRepo, sink, changeFeed, l)

	processor := outbox.NewProcessor(outboxRepo, changeFeed, l,
		cfg.Outbox.BatchSize, cfg.Outbox.PollInterval, cfg.Outbox.MaxRetries)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go processor.Run(ctx)

	conversationHandler := handler.NewConversationHandler(dir, chatService)
	messageHandler := handler.NewMessageHandler(chatService)
	wsHandler := ws.NewHandler(authService, chatService, l)

	if cfg.Server.Environment == logger.ProductionMode {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestIDMiddleware())
	r.Use(middleware.LoggingMiddleware(l))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := r.Group("/api/v1")
	v1.GET("/ws/conversations", wsHandler.Connect)

	authed := v1.Group("")
	authed.Use(middleware.AuthMiddleware(authService))
	{
		authed.POST("/conversations/resolve", conversationHandler.Resolve)
		authed.GET("/conversations", conversationHandler.List)
		authed.GET("/unread", conversationHandler.TotalUnread)
		authed.POST("/messages", messageHandler.Send)
		authed.POST("/messages/:id/read", messageHandler.MarkRead)
	}

	l.Infof("Starting server on port %s", cfg.Server.Port)
	if err := r.Run(fmt.Sprintf(":%s", cfg.Server.Port)); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}
