// Package httpapi exposes the notification engine's operations over HTTP.
package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"notifbox/internal/notify"
	"notifbox/internal/notify/model"
	logx "notifbox/pkg/logx"
)

type Config struct {
	Addr      string
	JWTSecret string // empty disables auth on /v1

	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Addr) == "" {
		c.Addr = "127.0.0.1:8080"
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 15 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 60 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 5 * time.Second
	}
	return c
}

// Engine is the slice of *notify.Engine the API drives.
type Engine interface {
	CreateMessage(ctx context.Context, req notify.CreateRequest) (*model.Notification, error)
	SendNow(ctx context.Context, id string) (notify.DispatchResult, error)
	Notification(ctx context.Context, id string) (*model.Notification, error)

	EnsureBox(ctx context.Context, target model.TargetRef) (*model.Box, bool, error)
	Box(ctx context.Context, id string) (*model.Box, error)
	InitializeBox(ctx context.Context, boxID string, force bool) (notify.InitOutcome, error)
	UpdateRecipient(ctx context.Context, up notify.RecipientUpdate) (notify.RecipientChange, error)

	User(ctx context.Context, id string) (*model.User, error)
	SetUserGlobal(ctx context.Context, userID string, cfg model.TypeConfig) (*model.User, error)
	SetUserDefaults(ctx context.Context, userID string, cfg model.TypeConfig) (*model.User, error)
	SetUserBoxConfig(ctx context.Context, userID, boxID string, up notify.BoxConfigUpdate) (*model.User, error)
	SetUserBlocked(ctx context.Context, userID string, blocked bool) (*model.User, error)
	SetProfile(ctx context.Context, userID string, c model.Contact) error
	ResyncUser(ctx context.Context, userID string) (notify.ResyncResult, error)

	Summary(ctx context.Context, id string) (*model.Summary, error)
	InitializeSummary(ctx context.Context, summaryID string, force bool) (notify.InitOutcome, error)
	Week(ctx context.Context, id string) (*model.Week, error)

	DrainQueued(ctx context.Context) (notify.Report, error)
	ResyncAllFlagged(ctx context.Context) (notify.Report, error)
	InitializeAllFlagged(ctx context.Context) (notify.Report, error)
	ArchiveCompleted(ctx context.Context) (notify.Report, error)
}

// Trigger queues a named sweep on the task engine.
type Trigger interface {
	Trigger(name string) error
}

type Options struct {
	Engine  Engine
	Sweeps  Trigger      // optional; enables ?async=true on sweeps
	Metrics http.Handler // optional; served at /metrics
	Pprof   bool         // mount /debug/pprof
	// Status reports runtime state for GET /v1/status; optional.
	Status func() any
	Log    logx.Logger
}

type Server struct {
	cfg    Config
	log    logx.Logger
	engine Engine
	sweeps Trigger
	status func() any
	router *gin.Engine
}

func New(cfg Config, opt Options) *Server {
	log := opt.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{
		cfg:    cfg.withDefaults(),
		log:    log.With(logx.String("comp", "httpapi")),
		engine: opt.Engine,
		sweeps: opt.Sweeps,
		status: opt.Status,
	}
	s.router = gin.New()
	s.router.Use(recovery(s.log), requestLog(s.log))
	s.routes(opt.Metrics)
	if opt.Pprof {
		s.profiling()
	}
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes(metrics http.Handler) {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if metrics != nil {
		s.router.GET("/metrics", gin.WrapH(metrics))
	}

	v1 := s.router.Group("/v1")
	if s.cfg.JWTSecret != "" {
		v1.Use(jwtAuth(s.cfg.JWTSecret))
	}

	msgs := v1.Group("/messages")
	msgs.POST("", s.createMessage)
	msgs.GET("/:id", s.getMessage)
	msgs.POST("/:id/send", s.sendMessage)

	boxes := v1.Group("/boxes")
	boxes.POST("", s.ensureBox)
	boxes.GET("/:id", s.getBox)
	boxes.POST("/:id/init", s.initBox)
	boxes.PUT("/:id/recipients", s.updateRecipient)

	users := v1.Group("/users")
	users.GET("/:id", s.getUser)
	users.PUT("/:id/global", s.setUserGlobal)
	users.PUT("/:id/defaults", s.setUserDefaults)
	users.PUT("/:id/boxes/:box", s.setUserBoxConfig)
	users.PUT("/:id/blocked", s.setUserBlocked)
	users.PUT("/:id/profile", s.setProfile)
	users.POST("/:id/resync", s.resyncUser)

	v1.GET("/summaries/:id", s.getSummary)
	v1.POST("/summaries/:id/init", s.initSummary)
	v1.GET("/weeks/:id", s.getWeek)

	v1.POST("/sweeps/:name", s.runSweep)
	if s.status != nil {
		v1.GET("/status", func(c *gin.Context) { c.JSON(http.StatusOK, s.status()) })
	}
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.log.Info("http api listening", logx.String("addr", ln.Addr().String()), logx.Bool("auth", s.cfg.JWTSecret != ""))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.log.Info("http api stopped")
	return nil
}
