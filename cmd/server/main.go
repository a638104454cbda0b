// Package main runs the seat engine admin API with the realtime seat feed and graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-lms/seats/config"
	"github.com/aura-lms/seats/internal/app"
	"github.com/aura-lms/seats/internal/assignments"
	"github.com/aura-lms/seats/internal/auth"
	"github.com/aura-lms/seats/internal/authz"
	"github.com/aura-lms/seats/internal/events"
	"github.com/aura-lms/seats/internal/middleware"
	"github.com/aura-lms/seats/internal/organizations"
	"github.com/aura-lms/seats/internal/pools"
	"github.com/aura-lms/seats/internal/realtime"
	"github.com/aura-lms/seats/pkg/queue"
	"github.com/aura-lms/seats/pkg/response"
	"github.com/aura-lms/seats/pkg/storage"
)

func main() {
	logger := app.NewLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()
	a, err := app.New(ctx, cfg, logger, app.Options{Redis: true, Migrate: true})
	if err != nil {
		logger.Fatal("startup", zap.Error(err))
	}
	defer a.Close()

	var s3Client *storage.S3
	if cfg.AWS.Region != "" {
		s3Client, err = storage.NewS3(ctx, storage.S3Config{
			Region:               cfg.AWS.Region,
			AccessKeyID:          cfg.AWS.AccessKeyID,
			SecretAccessKey:      cfg.AWS.SecretAccessKey,
			ExportsBucket:        cfg.AWS.ExportsBucket,
			Endpoint:             cfg.AWS.Endpoint,
			PresignExpireMinutes: cfg.AWS.PresignExpireMinutes,
		}, logger)
		if err != nil {
			logger.Warn("s3 disabled", zap.Error(err))
		}
	}

	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.Issuer)
	policy := a.Policy
	jobQueue := queue.NewQueue(a.Redis.Client, logger)

	poolHandler := pools.NewHandler(a.Pools, a.Ledger, policy, a.DeletePolicy)
	assignmentHandler := assignments.NewHandler(a.Service, a.Assignments, a.Pools, policy, cfg.Webhook.Secret)
	var presigner events.Presigner
	if s3Client != nil {
		presigner = s3Client
	}
	eventHandler := events.NewHandler(a.Events, a.Pools, jobQueue, presigner, storage.ExportKey, policy)
	orgHandler := organizations.NewHandler(a.Orgs, a.Service, policy, logger)

	authenticate := func(token string) (realtime.Identity, error) {
		claims, err := jwtService.Validate(token)
		if err != nil {
			return realtime.Identity{}, err
		}
		return realtime.Identity{UserID: claims.UserID, Role: claims.Role, OrganizationID: claims.OrganizationID}, nil
	}
	authorize := func(id realtime.Identity, orgID uuid.UUID) bool {
		if !policy.Allows(id.Role, authz.EventsRead) {
			return false
		}
		return policy.Global(id.Role) || (id.OrganizationID != nil && *id.OrganizationID == orgID)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))

	// Health and metrics
	router.GET("/health", func(c *gin.Context) {
		if err := a.DB.Ping(c.Request.Context()); err != nil {
			response.ServiceUnavailable(c, "database unavailable")
			return
		}
		response.OK(c, gin.H{"status": "ok"})
	})
	router.GET("/metrics", a.Metrics.Handler())

	// LMS callbacks (shared secret, no JWT)
	router.POST("/webhooks/enrollment-removed", assignmentHandler.EnrollmentRemoved)

	// Realtime seat feed (token in query)
	router.GET("/ws", realtime.ServeWs(a.Hub, logger, authenticate, authorize))

	api := router.Group("")
	api.Use(middleware.JWT(jwtService))
	if cfg.RateLimit.Rate != "" {
		limit, err := middleware.NewRateLimiter(cfg.RateLimit.Rate, a.Redis.Client)
		if err != nil {
			logger.Fatal("rate limit", zap.Error(err))
		}
		api.Use(limit)
	}
	can := func(c authz.Capability) gin.HandlerFunc { return middleware.RequireCapability(policy, c) }
	{
		// Pools
		api.POST("/pools", can(authz.PoolsManage), poolHandler.Create)
		api.GET("/pools", can(authz.PoolsRead), poolHandler.List)
		api.GET("/pools/:id", can(authz.PoolsRead), poolHandler.GetByID)
		api.DELETE("/pools/:id", can(authz.PoolsManage), poolHandler.Delete)
		api.GET("/pools/:id/remaining", can(authz.PoolsRead), poolHandler.Remaining)

		// Assignments
		api.POST("/pools/:id/assignments", can(authz.SeatsAssign), assignmentHandler.Assign)
		api.GET("/pools/:id/assignments", can(authz.PoolsRead), assignmentHandler.ListByPool)
		api.DELETE("/assignments/:id", can(authz.SeatsAssign), assignmentHandler.Unassign)

		// Event log
		api.GET("/pools/:id/events", can(authz.EventsRead), eventHandler.ListByPool)
		api.GET("/pools/:id/utilization", can(authz.EventsRead), eventHandler.Utilization)

		// Organizations
		api.POST("/organizations", can(authz.OrgsCreate), orgHandler.Create)
		api.POST("/members/auto-join", can(authz.MembersSelf), orgHandler.AutoJoin)

		org := api.Group("/organizations/:id", middleware.RequireOrgAccess(policy, "id"))
		org.GET("", can(authz.OrgsRead), orgHandler.GetByID)
		org.DELETE("", can(authz.OrgsManage), orgHandler.Delete)
		org.GET("/teams", can(authz.OrgsRead), orgHandler.ListTeams)
		org.POST("/teams", can(authz.OrgsManage), orgHandler.CreateTeam)
		org.GET("/members", can(authz.OrgsRead), orgHandler.ListMembers)
		org.POST("/members", can(authz.MembersManage), orgHandler.AddMember)
		org.DELETE("/members/:user_id", can(authz.MembersManage), orgHandler.RemoveMember)
		org.GET("/events", can(authz.EventsRead), eventHandler.ListByOrganization)
		org.POST("/events/export", can(authz.EventsExport), eventHandler.Export)
		org.GET("/exports/:export_id", can(authz.EventsExport), eventHandler.DownloadExport)
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
}
