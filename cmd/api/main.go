package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/rs/cors"

	"github.com/postline/backend/internal/auth"
	"github.com/postline/backend/internal/dispatch"
	"github.com/postline/backend/internal/handlers"
	"github.com/postline/backend/internal/publish"
	"github.com/postline/backend/internal/store"
	"github.com/postline/backend/internal/token"
)

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	// Root context for background workers and graceful shutdown
	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		log.Fatal("DATABASE_URL environment variable is required")
	}
	clientID := os.Getenv("CLIENT_ID")
	clientSecret := os.Getenv("CLIENT_SECRET")
	if clientID == "" || clientSecret == "" {
		log.Fatal("CLIENT_ID and CLIENT_SECRET environment variables are required")
	}
	dispatchSecret := os.Getenv("API_KEY")
	if dispatchSecret == "" {
		log.Fatal("API_KEY environment variable is required (shared secret for the cron webhook)")
	}
	sessionSecret := os.Getenv("SESSION_SECRET")
	if sessionSecret == "" {
		log.Fatal("SESSION_SECRET environment variable is required")
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}

	// Run migrations on startup
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		log.Fatalf("Failed to init migration driver: %v", err)
	}
	migrator, err := migrate.NewWithDatabaseInstance("file://db/migrations", "postgres", driver)
	if err != nil {
		log.Fatalf("Failed to create migrator: %v", err)
	}
	if err := migrator.Up(); err != nil && err != migrate.ErrNoChange {
		log.Fatalf("Database migration failed: %v", err)
	}
	log.Println("Database is up-to-date")

	sessionStore, err := auth.NewStore(databaseURL, []byte(sessionSecret))
	if err != nil {
		log.Fatalf("Failed to open session store: %v", err)
	}
	defer sessionStore.Close()
	defer sessionStore.StopCleanup(sessionStore.Cleanup(5 * time.Minute))

	users := store.NewPostgresCredentialStore(db)
	posts := store.NewPostgresPostRepository(db)
	tokens := token.NewManager(users, auth.NewXRefresher(clientID, clientSecret))
	publisher := publish.NewPublisher(tokens, publish.NewXClient())
	dispatcher := dispatch.New(posts, users, publisher).
		WithTolerance(envDuration("DISPATCH_TOLERANCE_SECONDS", dispatch.DefaultTolerance))

	h := handlers.New(users, posts, tokens, publisher, dispatcher, sessionStore, dispatchSecret)
	dispatcher.WithEvents(h.Events())

	r := mux.NewRouter()
	handlers.RegisterRoutes(h, r)

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{envOr("CORS_ORIGIN", "*")},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})
	handler := c.Handler(r)

	port := envOr("PORT", "18912")
	srv := &http.Server{
		Handler:      handler,
		Addr:         ":" + port,
		WriteTimeout: 60 * time.Second,
		ReadTimeout:  15 * time.Second,
	}

	// Background dispatch worker. The cron webhook can drive passes instead
	// (or in addition); disable via DISPATCH_WORKER_ENABLED=false.
	if enabled := os.Getenv("DISPATCH_WORKER_ENABLED"); enabled == "" || enabled == "true" {
		interval := envDuration("DISPATCH_INTERVAL_SECONDS", 5*time.Minute)
		w := &dispatch.Worker{Dispatcher: dispatcher}
		go w.Start(rootCtx, interval)
	} else {
		log.Printf("[Dispatch] worker disabled via DISPATCH_WORKER_ENABLED=%q", enabled)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-stop
		log.Println("Shutting down server...")
		cancel()
		ctx, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		if err := srv.Shutdown(ctx); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	log.Printf("Server starting on port %s", port)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal(err)
	}
	log.Println("Server stopped")
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		log.Printf("ignoring invalid %s=%q", key, v)
		return def
	}
	return time.Duration(secs) * time.Second
}
