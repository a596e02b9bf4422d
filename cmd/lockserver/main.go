package main

import (
	"daybreak/internal/lockservice"
	"daybreak/internal/logging"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	logging.Init()

	log.Println("🚀 Starting Daybreak Lock Service...")

	if err := godotenv.Load(); err != nil {
		log.Printf("⚠️  No .env file found or error loading it: %v", err)
	}

	port := os.Getenv("LOCK_PORT")
	if port == "" {
		port = "3003"
	}

	table := lockservice.NewTable()
	app := lockservice.NewServer(table)

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("\n🛑 Shutting down lock service...")
		if err := app.Shutdown(); err != nil {
			log.Printf("⚠️ Error shutting down lock service: %v", err)
		}
	}()

	log.Printf("🔒 Lock service listening on :%s", port)
	if err := app.Listen(":" + port); err != nil {
		log.Fatalf("❌ Failed to start lock service: %v", err)
	}
}
