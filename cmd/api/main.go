package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"proposal-submission-api/config"
	"proposal-submission-api/controllers"
	"proposal-submission-api/middleware"
	"proposal-submission-api/monitor"
	"proposal-submission-api/routes"
	"proposal-submission-api/services"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	zlog "github.com/rs/zerolog/log"
)

// sweepMargin is added to the mapping tool timeout to obtain the age after which a
// submission in progress cannot have a live supervisor in any instance.
const sweepMargin = 5 * time.Minute

func main() {
	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	logFile, _ := config.InitLogging()
	if logFile != nil {
		defer logFile.Close()
	}

	settings, err := config.LoadSettings()
	if err != nil {
		zlog.Fatal().Err(err).Msg("invalid configuration")
	}

	// Initialize database
	config.InitDB()

	// Set Gin mode
	ginMode := os.Getenv("GIN_MODE")
	if ginMode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	store := services.NewSubmissionRepository(config.DB)
	hub := services.NewProgressHub()

	supervisorOpts := []services.SupervisorOption{
		services.WithProgressHub(hub),
		services.WithTimeout(settings.MappingTool.Timeout),
	}
	if settings.MailEnabled {
		supervisorOpts = append(supervisorOpts, services.WithNotifier(services.NewMailNotifier(settings.FrontendURI)))
	}
	supervisors := services.NewSupervisorRegistry(store, services.NewMappingToolRunner(settings.MappingTool), supervisorOpts...)

	auth := services.NewAuthService(services.NewUserRepository(config.DB), settings.JWTSecret, time.Duration(settings.JWTExpireHours)*time.Hour)
	intake := services.NewSubmissionService(store, supervisors, settings.UploadPath, settings.MaxSubmissionBytes)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Submissions left in progress by a previous run are failed at startup and
	// periodically afterwards.
	sweeper := services.NewSubmissionSweeper(store, supervisors.Running, hub)
	go sweeper.Start(ctx, settings.MappingTool.Timeout, services.SweepInput{OlderThan: settings.MappingTool.Timeout + sweepMargin})

	// Create Gin router
	router := gin.New()
	router.Use(middleware.RequestLogger(zlog.Logger))
	router.Use(gin.Recovery())

	// Add security headers middleware
	router.Use(func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Next()
	})
	router.Use(middleware.CORS(settings.FrontendURI))

	monitor.RegisterLogsRoute(router, settings.LogsToken, config.LogFilePath())
	monitor.RegisterMetricsRoute(router)

	routes.SetupRoutes(router, routes.Handlers{
		Auth:        controllers.NewAuthController(auth),
		Submissions: controllers.NewSubmissionController(intake, store),
		ProgressStream: controllers.NewProgressStreamController(auth, store, hub,
			controllers.WithPollInterval(settings.ProgressPoll),
			controllers.WithCheckOrigin(allowedOrigin(settings.FrontendURI)),
		),
		Tokens: auth,
	})

	if err := os.MkdirAll(settings.UploadPath, os.ModePerm); err != nil {
		zlog.Warn().Err(err).Str("path", settings.UploadPath).Msg("failed to create upload directory")
	}

	srv := &http.Server{
		Addr:              ":" + settings.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		zlog.Info().Str("port", settings.ServerPort).Str("mode", gin.Mode()).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zlog.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	<-ctx.Done()
	zlog.Info().Msg("shutting down")

	supervisors.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Error().Err(err).Msg("server shutdown failed")
	}

	// Running submissions are given the tool timeout to finish. Whatever is left is
	// failed by the sweeper of the next run.
	waitCtx, cancelWait := context.WithTimeout(context.Background(), settings.MappingTool.Timeout)
	defer cancelWait()
	if err := supervisors.Wait(waitCtx); err != nil {
		zlog.Warn().Err(err).Msg("submissions still in progress at shutdown")
	}
}

// allowedOrigin accepts WebSocket upgrades from the configured frontends and from
// clients which send no Origin header.
func allowedOrigin(frontends string) func(r *http.Request) bool {
	allowed := make(map[string]bool)
	for _, o := range strings.Split(frontends, ",") {
		if o = strings.TrimRight(strings.TrimSpace(o), "/"); o != "" {
			allowed[o] = true
		}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || allowed[origin]
	}
}
