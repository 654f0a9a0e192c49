package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/campusface/attendance/internal/attendance"
	"github.com/campusface/attendance/internal/auth"
	"github.com/campusface/attendance/internal/config"
	"github.com/campusface/attendance/internal/course"
	"github.com/campusface/attendance/internal/cvengine"
	"github.com/campusface/attendance/internal/events"
	"github.com/campusface/attendance/internal/handler"
	"github.com/campusface/attendance/internal/httpmiddleware"
	"github.com/campusface/attendance/internal/logger"
	"github.com/campusface/attendance/internal/photos"
	"github.com/campusface/attendance/internal/store"
	"github.com/campusface/attendance/internal/store/memstore"
	"github.com/campusface/attendance/internal/store/mongostore"
	"github.com/campusface/attendance/internal/student"
)

// photoMaxSide caps stored student photos on their longer edge.
const photoMaxSide = 1024

func main() {
	cfg := config.Load()
	log := logger.New("attendance-api", cfg.Env, cfg.LogLevel)
	defer func() { _ = log.Sync() }()

	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := run(cfg, log); err != nil {
		log.Fatal("api server failed", zap.Error(err))
	}
}

type repositories struct {
	students interface {
		student.Repository
		attendance.StudentLookup
	}
	courses interface {
		course.Repository
		attendance.CourseLookup
	}
	attendance attendance.Repository
	ping       handler.Pinger
	close      func(context.Context) error
}

func openStore(ctx context.Context, cfg config.App, log *zap.Logger) (*repositories, error) {
	if cfg.StoreBackend == "memory" {
		log.Warn("using in-memory store, data is lost on restart")
		db := memstore.Open()
		return &repositories{
			students:   memstore.NewStudentRepository(db),
			courses:    memstore.NewCourseRepository(db),
			attendance: memstore.NewAttendanceRepository(db),
			ping:       db,
			close:      func(context.Context) error { return nil },
		}, nil
	}

	m, err := store.NewMongo(ctx, cfg.MongoURI, cfg.MongoDatabase)
	if err != nil {
		return nil, err
	}
	if err := mongostore.EnsureIndexes(ctx, m.DB); err != nil {
		_ = m.Close(ctx)
		return nil, err
	}
	log.Info("connected to mongodb", zap.String("database", cfg.MongoDatabase))
	return &repositories{
		students:   mongostore.NewStudentRepository(m.DB),
		courses:    mongostore.NewCourseRepository(m.DB),
		attendance: mongostore.NewAttendanceRepository(m.DB),
		ping:       m,
		close:      m.Close,
	}, nil
}

func run(cfg config.App, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	startCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	repos, err := openStore(startCtx, cfg, log)
	cancel()
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := repos.close(closeCtx); err != nil {
			log.Warn("store close failed", zap.Error(err))
		}
	}()

	var (
		bus         events.Bus
		redisPinger handler.Pinger
	)
	switch cfg.EventsBackend {
	case "redis":
		rdb := store.NewRedis(cfg.RedisAddr)
		defer func() { _ = rdb.Close() }()
		if err := rdb.Ping(ctx); err != nil {
			log.Warn("redis not reachable, stream fan-out will retry", zap.String("addr", cfg.RedisAddr), zap.Error(err))
		}
		rbus := events.NewRedisBus(rdb.Client, "", log)
		go func() {
			if err := rbus.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("redis event bus stopped", zap.Error(err))
			}
		}()
		bus, redisPinger = rbus, rdb
	default:
		bus = events.NewHub()
	}

	cv := cvengine.New(cfg.CVEngineURL, cfg.CVEngineTimeout, cfg.CVEngineSkip)
	if cfg.CVEngineSkip {
		log.Warn("cv engine calls are skipped")
	}

	photoStore, err := photos.New(cfg.PhotoDir, photoMaxSide)
	if err != nil {
		return err
	}

	shutdown := make(chan struct{})
	h := handler.New(handler.Deps{
		Students:       student.NewService(repos.students, photoStore, cv, log),
		Courses:        course.NewService(repos.courses),
		Attendance:     attendance.NewService(repos.attendance, repos.students, repos.courses, bus, cv, loc, log),
		Photos:         photoStore,
		Bus:            bus,
		Store:          repos.ping,
		Redis:          redisPinger,
		CVEngine:       cv,
		Log:            log,
		Production:     cfg.Production(),
		MaxUploadBytes: cfg.MaxUploadBytes,
		Heartbeat:      cfg.SSEHeartbeat,
		Shutdown:       shutdown,
	})

	r := gin.New()
	r.Use(
		httpmiddleware.RequestID(),
		httpmiddleware.Logger(log, "/healthz", "/metrics"),
		httpmiddleware.Recovery(log),
		httpmiddleware.Metrics(),
		httpmiddleware.SecurityHeaders(),
		cors.New(cors.Config{
			AllowAllOrigins: true,
			AllowMethods:    []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowHeaders:    []string{"Origin", "Content-Type", "Accept", "Authorization", httpmiddleware.RequestIDHeader},
			ExposeHeaders:   []string{httpmiddleware.RequestIDHeader},
			MaxAge:          24 * time.Hour,
		}),
		httpmiddleware.NewSimpleTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin).GinMiddleware(),
	)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	var guard gin.HandlerFunc
	if cfg.AuthEnabled {
		guard = auth.AdminAuth(cfg.JWTSigningKey, cfg.JWTIssuer)
	}
	h.Routes(r, guard)

	// WriteTimeout stays zero: the attendance stream holds responses open.
	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	srv.RegisterOnShutdown(func() { close(shutdown) })

	errCh := make(chan error, 1)
	go func() {
		log.Info("starting server", zap.String("addr", srv.Addr), zap.String("store", cfg.StoreBackend), zap.String("events", cfg.EventsBackend))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	log.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("server forced shutdown", zap.Error(err))
	}
	log.Info("server exited")
	return nil
}
