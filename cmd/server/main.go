package main

import (
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coscribe/backend/internal/api"
	"github.com/coscribe/backend/internal/room"
	"github.com/coscribe/backend/internal/snapshot"
	"github.com/coscribe/backend/internal/store"
	"github.com/coscribe/backend/internal/ws"
)

func main() {
	dbPath := os.Getenv("COSCRIBE_DB_PATH")
	if dbPath == "" {
		dbPath = "./data/coscribe.db"
	}

	documents, err := store.NewSQLite(dbPath)
	if err != nil {
		log.Fatalf("Failed to initialize snapshot store: %v", err)
	}
	defer documents.Close()

	rooms := room.NewManager(documents, nil)

	flushConfig := snapshot.DefaultConfig()
	if v := os.Getenv("COSCRIBE_FLUSH_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			log.Fatalf("Invalid COSCRIBE_FLUSH_INTERVAL: %v", err)
		}
		flushConfig.Debounce = d
	}
	flusher := snapshot.New(documents, rooms.Export, rooms.BroadcastStatus, flushConfig)
	rooms.SetFlusher(flusher)
	flusher.Start()

	router := api.New(rooms).Router()
	router.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ws.ServeWs(rooms, w, r)
	})

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("Shutting down server...")
		rooms.DrainAll()
		flusher.Stop()
		documents.Close()
		os.Exit(0)
	}()

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	log.Printf("✍️ Coscribe sync server starting on :%s", port)
	log.Printf("📁 Snapshot store: %s", dbPath)
	log.Println("Endpoints:")
	log.Println("  - WebSocket: /ws?doc={documentId}")
	log.Println("  - Health:    GET /health")
	log.Println("  - Stats:     GET /api/stats")

	if err := http.ListenAndServe(":"+port, corsMiddleware(router)); err != nil {
		log.Fatal("ListenAndServe: ", err)
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
