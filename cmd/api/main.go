package main

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/crypto/bcrypt"

	"qrattend/internal/attendance"
	"qrattend/internal/auth"
	"qrattend/internal/cloudinary"
	"qrattend/internal/config"
	"qrattend/internal/httpmiddleware"
	"qrattend/internal/queue"
	"qrattend/internal/redemption"
	"qrattend/internal/store"
	"qrattend/internal/token"
)

func main() {
	cfg := config.Load()

	// Set Gin mode based on environment
	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg); err != nil {
		log.Fatalf("http server failed: %v", err)
	}
}

func runHTTP(cfg config.App) error {
	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		log.Printf("warning: db not reachable: %v", err)
	}
	defer func() {
		if db != nil {
			_ = db.Close()
		}
	}()

	if db != nil {
		if err := db.Migrate(context.Background()); err != nil {
			log.Printf("warning: schema bootstrap failed: %v", err)
		}
	}

	redisClient := store.NewRedis(cfg.RedisAddr)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "qrattend:redemptions")
	}

	tokens := token.NewRepository(db.Client)
	records := attendance.NewRepository(db.Client)
	engine := redemption.New(tokens, records, cfg.GeofenceRadiusM)
	ctx := context.Background()

	if cfg.BootstrapPassword != "" {
		if err := seedFaculty(ctx, records, cfg.BootstrapFacultyID, cfg.BootstrapPassword); err != nil {
			log.Printf("warning: faculty bootstrap failed: %v", err)
		}
	}

	// Cloudinary client (nil when not configured)
	var cdnClient *cloudinary.Client
	if cfg.CloudinaryCloudName != "" && cfg.CloudinaryAPIKey != "" && cfg.CloudinaryAPISecret != "" {
		cdnClient = cloudinary.New(cfg.CloudinaryCloudName, cfg.CloudinaryAPIKey, cfg.CloudinaryAPISecret, cfg.CloudinaryFolder)
		log.Println("Cloudinary configured:", cfg.CloudinaryCloudName)
	} else {
		log.Println("Cloudinary not configured (CLOUDINARY_CLOUD_NAME / API_KEY / API_SECRET not set)")
	}

	r := gin.New()

	// Recovery middleware
	r.Use(gin.Recovery())

	// Custom logger
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))

	// CORS middleware
	r.Use(corsMiddleware())

	// Security headers
	r.Use(securityHeaders())

	// Rate limiting
	r.Use(httpmiddleware.NewSimpleTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin).GinMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/healthz", func(c *gin.Context) {
		redisHealthy := redisClient.Healthy(c.Request.Context())
		dbHealthy := db != nil
		status := http.StatusOK
		if !redisHealthy || !dbHealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"status": "ok", "redis": redisHealthy, "db": dbHealthy})
	})

	r.POST("/v1/faculty/login", func(c *gin.Context) {
		var req struct {
			FacultyID string `json:"faculty_id" binding:"required"`
			Password  string `json:"password" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		fac, err := records.GetFaculty(c.Request.Context(), req.FacultyID)
		if err != nil {
			log.Printf("faculty lookup failed: %v", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "storage unavailable, try again"})
			return
		}
		if fac == nil || bcrypt.CompareHashAndPassword([]byte(fac.PasswordHash), []byte(req.Password)) != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}

		pair, err := auth.Issue(fac.FacultyID, fac.Role, cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL, cfg.RefreshTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
			return
		}
		_ = records.TouchLastLogin(c.Request.Context(), fac.FacultyID)

		c.JSON(http.StatusOK, gin.H{
			"access_token":  pair.AccessToken,
			"refresh_token": pair.RefreshToken,
			"expires_at":    pair.AccessExp.Unix(),
			"name":          fac.Name,
			"role":          fac.Role,
		})
	})

	r.POST("/v1/faculty/refresh", func(c *gin.Context) {
		var req struct {
			RefreshToken string `json:"refresh_token" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		claims, err := auth.Parse(req.RefreshToken, cfg.JWTSigningKey, cfg.JWTIssuer)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		pair, err := auth.Issue(claims.Subject, claims.Role, cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL, cfg.RefreshTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"access_token":  pair.AccessToken,
			"refresh_token": pair.RefreshToken,
			"expires_at":    pair.AccessExp.Unix(),
		})
	})

	// Student redemption surface stays public, like the uploaded-QR flow
	// it replaces. Accepts a multipart image plus the claimant's details
	// and GPS position.
	r.POST("/v1/redemptions", func(c *gin.Context) {
		file, _, err := c.Request.FormFile("image")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "image file required"})
			return
		}
		defer file.Close()
		imageBytes, err := io.ReadAll(file)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "read image failed"})
			return
		}

		claim := redemption.Claim{
			Name: strings.TrimSpace(c.PostForm("student_name")),
			Roll: strings.TrimSpace(c.PostForm("student_roll")),
		}
		if claim.Name == "" || claim.Roll == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "student_name and student_roll required"})
			return
		}
		claim.Latitude, err = strconv.ParseFloat(c.PostForm("latitude"), 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "latitude must be a number"})
			return
		}
		claim.Longitude, err = strconv.ParseFloat(c.PostForm("longitude"), 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "longitude must be a number"})
			return
		}

		res, err := engine.Redeem(c.Request.Context(), imageBytes, claim)
		if err != nil {
			log.Printf("redemption storage failure: %v", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "storage unavailable, try again"})
			return
		}

		if res.Outcome == redemption.OutcomeAccepted {
			id := strconv.FormatInt(res.Record.ID, 10)
			if err := q.Publish(ctx, queue.Message{Type: "redemption", Body: []byte(id)}); err != nil {
				log.Printf("queue publish failed: %v", err)
			}
		}

		c.JSON(outcomeStatus(res.Outcome), redemptionBody(res))
	})

	authGroup := r.Group("/v1", auth.FacultyAuth(cfg.JWTSigningKey, cfg.JWTIssuer))

	authGroup.POST("/tokens", func(c *gin.Context) {
		var req struct {
			Subject      string   `json:"subject" binding:"required"`
			Period       string   `json:"period" binding:"required"`
			Latitude     *float64 `json:"latitude" binding:"required"`
			Longitude    *float64 `json:"longitude" binding:"required"`
			ValidMinutes int      `json:"valid_minutes"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if req.ValidMinutes <= 0 {
			req.ValidMinutes = 30
		}
		if req.ValidMinutes < 5 {
			req.ValidMinutes = 5
		}
		if req.ValidMinutes > 120 {
			req.ValidMinutes = 120
		}

		claims := claimsFrom(c)
		tok := token.New(req.Subject, req.Period, *req.Latitude, *req.Longitude,
			time.Duration(req.ValidMinutes)*time.Minute, claims.Subject)

		if err := tokens.Save(c.Request.Context(), tok); err != nil {
			if errors.Is(err, token.ErrDuplicateID) {
				c.JSON(http.StatusConflict, gin.H{"error": "token id collision, retry"})
				return
			}
			log.Printf("token save failed: %v", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "storage unavailable, try again"})
			return
		}

		png, err := token.EncodePNG(tok, cfg.QRImageSize)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "qr render failed"})
			return
		}

		resp := gin.H{
			"token":         tok,
			"qr_png_base64": base64.StdEncoding.EncodeToString(png),
			"download":      "/v1/tokens/" + tok.ID + "/qr",
		}
		if cdnClient != nil {
			if up, err := cdnClient.UploadBytes(png, "qr_"+tok.ID+".png"); err != nil {
				log.Printf("cloudinary upload failed: %v", err)
			} else {
				resp["qr_url"] = up.SecureURL
			}
		}
		c.JSON(http.StatusCreated, resp)
	})

	authGroup.GET("/tokens/:id/qr", func(c *gin.Context) {
		tok, err := tokens.Get(c.Request.Context(), c.Param("id"))
		if err != nil {
			log.Printf("token fetch failed: %v", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "storage unavailable, try again"})
			return
		}
		if tok == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "token not found"})
			return
		}
		png, err := token.EncodePNG(*tok, cfg.QRImageSize)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "qr render failed"})
			return
		}
		filename := fmt.Sprintf("qr_%s_%s.png", tok.Subject, tok.Period)
		c.Header("Content-Disposition", `attachment; filename="`+filename+`"`)
		c.Data(http.StatusOK, "image/png", png)
	})

	authGroup.DELETE("/tokens/:id", func(c *gin.Context) {
		err := tokens.Deactivate(c.Request.Context(), c.Param("id"))
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "token not found"})
			return
		}
		if err != nil {
			log.Printf("token deactivate failed: %v", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "storage unavailable, try again"})
			return
		}
		c.Status(http.StatusNoContent)
	})

	authGroup.GET("/records", func(c *gin.Context) {
		f := attendance.ListFilter{
			Subject:     c.Query("subject"),
			StudentRoll: c.Query("roll"),
			Date:        c.Query("date"),
			Limit:       50,
		}
		if v := c.Query("limit"); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				f.Limit = parsed
			}
		}
		if v := c.Query("offset"); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				f.Offset = parsed
			}
		}
		recs, err := records.ListRecords(c.Request.Context(), f)
		if err != nil {
			log.Printf("record list failed: %v", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "storage unavailable, try again"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"records": recs})
	})

	authGroup.PATCH("/records/:id/status", func(c *gin.Context) {
		id, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid record id"})
			return
		}
		var req struct {
			Status string `json:"status" binding:"required"`
			Reason string `json:"reason" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		claims := claimsFrom(c)
		err = records.OverrideStatus(c.Request.Context(), id, req.Status, claims.Subject, req.Reason)
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "record not found"})
			return
		}
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		rec, err := records.GetRecord(c.Request.Context(), id)
		if err != nil {
			log.Printf("record fetch failed: %v", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "storage unavailable, try again"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"record": rec})
	})

	authGroup.GET("/records/summary", func(c *gin.Context) {
		rows, err := records.Summary(c.Request.Context(), c.Query("date"))
		if err != nil {
			log.Printf("summary failed: %v", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "storage unavailable, try again"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"summary": rows})
	})

	// Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("Starting server on :%s", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	// Give outstanding requests 10 seconds to complete
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced shutdown: %v", err)
	}

	log.Println("Server exited")
	return nil
}

// outcomeStatus maps each terminal outcome to an HTTP status so clients can
// branch without string-matching. The body carries the same tag.
func outcomeStatus(o redemption.Outcome) int {
	switch o {
	case redemption.OutcomeAccepted:
		return http.StatusCreated
	case redemption.OutcomeUnreadable:
		return http.StatusUnprocessableEntity
	case redemption.OutcomeInvalidToken:
		return http.StatusNotFound
	case redemption.OutcomeExpired:
		return http.StatusGone
	case redemption.OutcomeAlreadyMarked:
		return http.StatusConflict
	case redemption.OutcomeOutOfRange:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func redemptionBody(res redemption.Result) gin.H {
	body := gin.H{
		"outcome": res.Outcome,
		"message": res.Reason,
	}
	switch res.Outcome {
	case redemption.OutcomeAccepted:
		body["distance_m"] = res.DistanceMeters
		body["record"] = res.Record
	case redemption.OutcomeOutOfRange:
		body["distance_m"] = res.DistanceMeters
	}
	if res.Token != nil {
		body["subject"] = res.Token.Subject
		body["period"] = res.Token.Period
	}
	return body
}

func claimsFrom(c *gin.Context) auth.Claims {
	claimsAny, _ := c.Get("claims")
	claims, _ := claimsAny.(auth.Claims)
	return claims
}

func seedFaculty(ctx context.Context, records *attendance.Repository, facultyID, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	return records.UpsertFaculty(ctx, facultyID, facultyID, string(hash), "admin")
}

// CORS middleware for browser requests
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// Security headers middleware
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-XSS-Protection", "1; mode=block")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		// Only add HSTS in production
		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}
