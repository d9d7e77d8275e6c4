package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"bitbucket.org/mmdatafocus/salesdock_backend/config"
	"bitbucket.org/mmdatafocus/salesdock_backend/hubspotsync"
	"bitbucket.org/mmdatafocus/salesdock_backend/logstore"
	"bitbucket.org/mmdatafocus/salesdock_backend/middlewares"
	"bitbucket.org/mmdatafocus/salesdock_backend/models"
	"bitbucket.org/mmdatafocus/salesdock_backend/store"
	"bitbucket.org/mmdatafocus/salesdock_backend/utils"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const defaultPort = "8080"

// api is set once dependencies are connected; until then the readiness
// gate returns 503 for app endpoints.
var api *apiServer

// Define a struct to represent the rate limiter.
type RateLimiter struct {
	client *redis.Client
	limit  int64
	window time.Duration
}

func appHandler(h func(s *apiServer) gin.HandlerFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		h(api)(c)
	}
}

func customNotFoundHandler(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
}

// buildEntryStore selects the persistence backend. GitHub contents API is
// the default; STORE_BACKEND=mysql keeps entries in MySQL while the event
// log stays on GitHub, and STORE_BACKEND=memory is for local development.
func buildEntryStore(logger *logrus.Logger) (store.EntryStore, store.BlobStore) {
	backend := strings.ToLower(strings.TrimSpace(os.Getenv("STORE_BACKEND")))

	var github *store.GitHubStore
	gh, err := store.NewGitHubStore()
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "store"}).Warn("github store not configured: " + err.Error())
	} else {
		github = gh
	}

	switch backend {
	case "mysql":
		sqlStore := store.NewSQLStore(config.GetDB())
		if github != nil {
			return sqlStore, github
		}
		logger.WithFields(logrus.Fields{"field": "store"}).Warn("no github blob store; event log falls back to memory")
		return sqlStore, store.NewMemStore()
	case "memory":
		mem := store.NewMemStore()
		return mem, mem
	default:
		if github == nil {
			logger.WithFields(logrus.Fields{"field": "store"}).Warn("github store unavailable; falling back to memory store")
			mem := store.NewMemStore()
			return mem, mem
		}
		return github, github
	}
}

func main() {
	port := os.Getenv("API_PORT")
	if port == "" {
		// Cloud Run standard env var.
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	// Cloud Run sends SIGTERM on revision shutdown; handle it for graceful drain.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// Start the HTTP server ASAP so Cloud Run considers the revision healthy.
	// Until the stores are ready, we return 503 for app endpoints.
	r := gin.New()
	// Correlation IDs: generate once per request and attach to context.
	r.Use(func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), cid))
		c.Next()
	})
	r.Use(func(c *gin.Context) {
		// Always allow Cloud Run startup probe.
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		// Gate app endpoints on dependency readiness.
		if api == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	corsConfig := cors.DefaultConfig()
	// Production-safe CORS:
	// - In production, require explicit allowlist via CORS_ALLOWED_ORIGINS (comma-separated).
	// - In non-production, allow all (developer convenience).
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			// Safer default: deny all if not configured in production.
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = splitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PUT", "DELETE", "OPTIONS")
	corsConfig.AddAllowHeaders("token", "Origin", "Content-Type", "Authorization")
	corsConfig.AddExposeHeaders("Content-Length")
	corsConfig.AllowCredentials = true
	r.Use(cors.New(corsConfig))

	// Optional rate limiting (recommended for production).
	// Env:
	// - RATE_LIMIT_ENABLED=true
	// - RATE_LIMIT_WINDOW_SECONDS=60
	// - RATE_LIMIT_MAX_REQUESTS=600
	if strings.EqualFold(strings.TrimSpace(os.Getenv("RATE_LIMIT_ENABLED")), "true") {
		client := redis.NewClient(&redis.Options{Addr: os.Getenv("REDIS_ADDRESS")})
		limit := int64(600)
		if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_MAX_REQUESTS")); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
				limit = n
			}
		}
		windowSec := int64(60)
		if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_WINDOW_SECONDS")); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
				windowSec = n
			}
		}
		rateLimiter := NewRateLimiter(client, limit, time.Duration(windowSec)*time.Second)
		r.Use(rateLimiter.RateLimitMiddleware)
	}

	r.Use(middlewares.SessionMiddleware())
	r.Use(customErrorLogger(logger))
	r.Use(gin.Recovery())

	r.GET("/entries", appHandler((*apiServer).listEntriesHandler))
	r.GET("/entries/:id", appHandler((*apiServer).getEntryHandler))
	r.POST("/entries", appHandler((*apiServer).createEntryHandler))
	r.PUT("/entries/:id", appHandler((*apiServer).updateEntryHandler))
	r.DELETE("/entries/:id", appHandler((*apiServer).deleteEntryHandler))
	r.POST("/entries/bulk", appHandler(func(s *apiServer) gin.HandlerFunc { return s.bulkHandler(false) }))
	r.POST("/entries/bulk-v2", appHandler(func(s *apiServer) gin.HandlerFunc { return s.bulkHandler(true) }))
	r.POST("/entries/bulk-delete", appHandler((*apiServer).bulkDeleteHandler))
	r.POST("/entries/merge", appHandler((*apiServer).mergeHandler))
	r.POST("/entries/import-excel", appHandler((*apiServer).importExcelHandler))
	r.POST("/api/validation/check_kv", appHandler((*apiServer).checkKvHandler))
	r.POST("/api/validation/check_projektnummer", appHandler((*apiServer).checkProjektnummerHandler))
	r.GET("/logs/stats", appHandler((*apiServer).logStatsHandler))
	r.POST("/hubspot", appHandler((*apiServer).hubspotWebhookHandler))
	r.NoRoute(customNotFoundHandler)

	// Start listening immediately (Cloud Run startup probe is TCP based).
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		// ListenAndServe returns http.ErrServerClosed on graceful shutdown.
		serverErrCh <- srv.ListenAndServe()
	}()

	// Connect dependencies after the port is open.
	if config.DatabaseEnabled() {
		config.ConnectDatabaseWithRetry()
		// IMPORTANT: AutoMigrate can run DDL that blocks tables.
		// Allow disabling migrations on startup (run them as a separate job instead).
		if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
			models.MigrateTable()
		} else {
			logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
		}
	}
	if strings.TrimSpace(os.Getenv("REDIS_ADDRESS")) != "" {
		config.ConnectRedisWithRetry()
	} else {
		logger.WithFields(logrus.Fields{"field": "redis"}).Warn("REDIS_ADDRESS not set; sessions and validation cache run degraded")
	}

	entryStore, blobStore := buildEntryStore(logger)

	var hubspotClient *hubspotsync.Client
	if hs, err := hubspotsync.NewClient(); err != nil {
		logger.WithFields(logrus.Fields{"field": "hubspot"}).Warn("hubspot client disabled: " + err.Error())
	} else {
		hubspotClient = hs
	}

	api = &apiServer{
		entries: entryStore,
		logs:    logstore.NewAppender(blobStore, logger),
		cache:   newValidationCache(),
		hubspot: hubspotClient,
		logger:  logger,
	}

	logger.WithFields(logrus.Fields{
		"info": "Connection Established",
	}).Info("listening on http://localhost:", port, "/")
	log.Println("Server started successfully")

	// Block until shutdown or server error.
	select {
	case <-sigCtx.Done():
		// graceful shutdown below
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	// Drain HTTP requests.
	shutdownTimeout := 30 * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}

	// Close Redis (best-effort).
	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
	if db := config.GetDB(); db != nil {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
}

// customErrorLogger is a custom Gin middleware that logs only errors
func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		// Only log when there are errors
		if len(c.Errors) > 0 {
			logger.Error(c.Errors.String())
		}
	}
}

// Initialize a new RateLimiter instance.
func NewRateLimiter(client *redis.Client, limit int64, window time.Duration) *RateLimiter {
	return &RateLimiter{
		client: client,
		limit:  limit,
		window: window,
	}
}

// Middleware function to check rate limits.
func (rl *RateLimiter) RateLimitMiddleware(c *gin.Context) {
	key := c.ClientIP()

	exists, err := rl.client.Exists(c.Request.Context(), key).Result()
	if err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	if exists == 0 {
		err := rl.client.Set(c.Request.Context(), key, 1, rl.window).Err()
		if err != nil {
			c.AbortWithError(http.StatusInternalServerError, err)
			return
		}
		c.Next()
		return
	}

	count, err := rl.client.Incr(c.Request.Context(), key).Result()
	if err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	if count > rl.limit {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error": fmt.Sprintf("Rate limit exceeded. Try again in %d seconds", int(rl.window.Seconds())),
		})
		return
	}

	c.Next()
}

func splitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
