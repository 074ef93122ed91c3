// webster is the relay server: it fronts the Gemini generation API
// with a chat endpoint that answers as one JSON document or an NDJSON
// event stream.
package main

import (
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"github.com/webster-ai/webster/controllers"
	"github.com/webster-ai/webster/models/gemini"
	"github.com/webster-ai/webster/relay"
	"github.com/webster-ai/webster/stores"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	if os.Getenv("GEMINI_API_KEY") == "" {
		log.Fatal("GEMINI_API_KEY is not set")
	}

	store, err := stores.NewStoreFromEnv()
	if err != nil {
		log.Fatalf("Failed to create store: %v", err)
	}
	defer store.Close()

	model := &gemini.Gemini_Model{
		Model:        os.Getenv("WEBSTER_MODEL"),
		SystemPrompt: os.Getenv("WEBSTER_SYSTEM_PROMPT"),
	}

	chatRelay := relay.NewRelay(model, store)
	controller := controllers.NewChatController(chatRelay, store)

	router := gin.Default()
	router.GET("/healthz", func(c *gin.Context) {
		if err := store.Ping(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	controller.RegisterRoutes(router)

	startRetentionSweep(store)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8000"
	}
	log.Printf("Server starting on :%s", port)
	if err := router.Run(":" + port); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}

// startRetentionSweep purges conversations older than RETENTION_DAYS
// once a day. Unset or zero disables the sweep.
func startRetentionSweep(store stores.MessageStore) {
	days, err := strconv.Atoi(os.Getenv("RETENTION_DAYS"))
	if err != nil || days <= 0 {
		return
	}

	scheduler := cron.New()
	_, err = scheduler.AddFunc("0 3 * * *", func() {
		cutoff := time.Now().AddDate(0, 0, -days)
		purged, err := store.PurgeBefore(cutoff)
		if err != nil {
			log.Printf("Retention sweep failed: %v", err)
			return
		}
		if purged > 0 {
			log.Printf("Retention sweep removed %d conversations", purged)
		}
	})
	if err != nil {
		log.Printf("Failed to schedule retention sweep: %v", err)
		return
	}
	scheduler.Start()
	log.Printf("Retention sweep enabled: conversations kept for %d days", days)
}
