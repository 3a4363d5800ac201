package main

import (
	"log"

	"haven-chat/internal/config"
	"haven-chat/internal/domain/chat"
	"haven-chat/internal/domain/outbox"
	"haven-chat/pkg/database"

	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	db, err := database.Connect(cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	if err := db.AutoMigrate(
		&chat.Conversation{},
		&chat.Message{},
		&chat.MessageRead{},
		&outbox.Event{},
	); err != nil {
		log.Fatalf("Failed to apply migrations: %v", err)
	}

	log.Println("Migrations applied")
}
