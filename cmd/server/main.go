package main

import (
	"context"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	redis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	database "github.com/fluxchat/gateway/internal"
	"github.com/fluxchat/gateway/internal/api"
	"github.com/fluxchat/gateway/internal/auth"
	"github.com/fluxchat/gateway/internal/bus"
	"github.com/fluxchat/gateway/internal/kv"
	"github.com/fluxchat/gateway/internal/ratelimit"
	"github.com/fluxchat/gateway/internal/stream"
)

func main() {
	database.Connect()

	port := os.Getenv("PORT")
	if port == "" {
		port = os.Getenv("FLUX_PORT")
	}
	if port == "" {
		port = "8080"
	}

	backendURL := os.Getenv("FLUX_BACKEND_URL")
	if backendURL == "" {
		backendURL = "http://localhost:9090"
	}
	backend, err := url.Parse(backendURL)
	if err != nil {
		log.Fatalf("FATAL: invalid FLUX_BACKEND_URL %q: %v", backendURL, err)
	}

	// Shared kv store: Redis when configured, otherwise process-local.
	var store kv.Store
	var rdb *redis.Client
	if addr := os.Getenv("FLUX_REDIS_ADDR"); addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: os.Getenv("FLUX_REDIS_PASSWORD"),
		})
		store = kv.NewRedisStore(rdb)
		log.Println("Using Redis-backed rate limits and key cache:", addr)
	} else {
		mem := kv.NewMemoryStore()
		defer mem.Close()
		store = mem
		log.Println("WARNING: using in-memory rate limits and key cache; configure FLUX_REDIS_ADDR for multi-instance deployments")
	}

	// Chat event bus: NATS when configured and compiled in, else in-process.
	var eventBus bus.Bus
	if natsURL := os.Getenv("FLUX_NATS_URL"); natsURL != "" {
		b, err := bus.Connect(natsURL)
		if err != nil {
			log.Fatalf("FATAL: connect event bus: %v", err)
		}
		eventBus = b
	} else {
		eventBus = bus.NewLocalBus()
	}
	defer eventBus.Close()

	verifier := auth.NewVerifier(database.NewKeyStore(database.DB), store)
	limiter := ratelimit.New(store)
	streams := stream.NewManager(database.NewChatStore(database.DB), eventBus, stream.DefaultOptions())
	gateway := api.NewGateway(verifier, limiter, streams, backend)

	log.Println("Starting FluxChat gateway on :" + port + "...")
	router := gin.Default()

	if shutdown, ok := api.InitTracing(context.Background()); ok {
		defer shutdown(context.Background())
		router.Use(otelgin.Middleware("fluxchat-gateway"))
	}
	router.Use(api.MetricsMiddleware())
	router.Use(api.RequestIDMiddleware())

	// Preflight is answered here, before any auth runs. Origins come from an
	// explicit allow-list; credentials are allowed, so a bare wildcard is
	// never echoed.
	config := cors.Config{
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Length", "Content-Type", "Authorization", "X-API-Key", "X-Request-ID"},
		ExposeHeaders:    []string{"Content-Length", "X-Request-ID", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if origins := os.Getenv("FLUX_CORS_ORIGINS"); origins != "" {
		for _, p := range strings.Split(origins, ",") {
			if s := strings.TrimSpace(p); s != "" {
				config.AllowOrigins = append(config.AllowOrigins, s)
			}
		}
	}
	if len(config.AllowOrigins) == 0 {
		config.AllowOrigins = []string{"http://localhost:3000"}
	}
	router.Use(cors.New(config))

	if tp := os.Getenv("FLUX_TRUSTED_PROXIES"); tp != "" {
		parts := strings.Split(tp, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		if err := router.SetTrustedProxies(parts); err != nil {
			log.Printf("warning: failed to set trusted proxies: %v", err)
		}
	}

	// Public routes.
	router.GET("/health", func(c *gin.Context) { c.Status(200) })
	router.GET("/readyz", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 300*time.Millisecond)
		defer cancel()
		if err := database.DB.DB.PingContext(ctx); err != nil {
			c.JSON(503, gin.H{"status": "not ready", "error": err.Error()})
			return
		}
		if rdb != nil {
			if err := rdb.Ping(ctx).Err(); err != nil {
				c.JSON(503, gin.H{"status": "not ready", "error": "redis ping failed"})
				return
			}
		}
		c.JSON(200, gin.H{"status": "ready"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Backend-to-gateway change notifications (shared-secret guarded).
	router.POST("/internal/events", api.InternalEventsHandler(eventBus))

	// The whole /v1 namespace goes through the gateway's classification
	// chain: stream, API key, user session, or reject.
	router.Any("/v1/*path", gateway.HandleV1)
	router.NoRoute(gateway.HandleNotFound)

	srv := &http.Server{Addr: ":" + port, Handler: router}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server:", err)
		}
	}()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	<-sigc
	log.Println("signal received, draining...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("shutdown: %v", err)
	}
}
