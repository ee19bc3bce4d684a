// Package server exposes the administrative HTTP API under /v1: loop control,
// guardrail management, learning data management, a websocket event stream,
// Prometheus metrics and a health probe.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gxo-labs/simloop/internal/datamgmt"
	"github.com/gxo-labs/simloop/internal/guardrail"
	simloop "github.com/gxo-labs/simloop/pkg/simloop/v1"
	simerrors "github.com/gxo-labs/simloop/pkg/simloop/v1/errors"
	simlog "github.com/gxo-labs/simloop/pkg/simloop/v1/log"
	"github.com/gxo-labs/simloop/pkg/simloop/v1/trial"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	oteltrace "go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

const shutdownTimeout = 10 * time.Second

// Controller is the slice of the orchestrator the API drives.
type Controller interface {
	Status() simloop.Status
	Pause()
	Resume()
	Stop()
	EmergencyStop(reason string)
	CreateCheckpoint(ctx context.Context, reason string) (*trial.Checkpoint, error)
	Guardrail() *guardrail.Guardrail
}

// DefaultMaxImportBytes is the import body cap when none is configured.
const DefaultMaxImportBytes = 64 << 20

// Config configures the listener and the request guards.
type Config struct {
	Address string
	// JWTSecret enables HS256 bearer authentication on /v1 when set.
	JWTSecret string
	// RateLimit is requests per second across all clients; zero disables
	// limiting.
	RateLimit   float64
	RateBurst   int
	ServiceName string
	// MaxImportBytes caps the import document; larger bodies get 413.
	MaxImportBytes int64
	// TracerProvider feeds otelgin. Nil uses the global provider.
	TracerProvider oteltrace.TracerProvider
}

// Deps are the components behind the routes. Hub and Metrics are optional.
type Deps struct {
	Controller Controller
	Data       *datamgmt.Manager
	Hub        *Hub
	Metrics    http.Handler
}

// Server is the admin API.
type Server struct {
	cfg    Config
	deps   Deps
	log    simlog.Logger
	engine *gin.Engine
}

// New builds the router. It does not start listening.
func New(deps Deps, cfg Config, log simlog.Logger) (*Server, error) {
	if log == nil {
		return nil, simerrors.NewConfigError("logger cannot be nil", nil)
	}
	if deps.Controller == nil || deps.Data == nil {
		return nil, simerrors.NewConfigError("server requires a controller and a data manager", nil)
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "simloop-admin"
	}
	if cfg.MaxImportBytes <= 0 {
		cfg.MaxImportBytes = DefaultMaxImportBytes
	}
	s := &Server{cfg: cfg, deps: deps, log: log}
	s.engine = s.routes()
	return s, nil
}

func (s *Server) routes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	var otelOpts []otelgin.Option
	if s.cfg.TracerProvider != nil {
		otelOpts = append(otelOpts, otelgin.WithTracerProvider(s.cfg.TracerProvider))
	}
	r.Use(recovery(s.log), otelgin.Middleware(s.cfg.ServiceName, otelOpts...), requestLogger(s.log))

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	if s.deps.Metrics != nil {
		r.GET("/metrics", gin.WrapH(s.deps.Metrics))
	}

	v1 := r.Group("/v1")
	if s.cfg.RateLimit > 0 {
		burst := s.cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		v1.Use(rateLimit(rate.NewLimiter(rate.Limit(s.cfg.RateLimit), burst)))
	}
	if s.cfg.JWTSecret != "" {
		v1.Use(jwtAuth([]byte(s.cfg.JWTSecret), s.log))
	} else {
		s.log.Warnf("Admin API authentication is disabled")
	}

	v1.GET("/status", s.handleStatus)
	v1.POST("/pause", s.handlePause)
	v1.POST("/resume", s.handleResume)
	v1.POST("/stop", s.handleStop)
	v1.POST("/emergency-stop", s.handleEmergencyStop)

	v1.GET("/guardrail", s.handleGetGuardrail)
	v1.PUT("/guardrail", s.handleUpdateGuardrail)
	v1.POST("/guardrail/cooldown", s.handleActivateCooldown)
	v1.DELETE("/guardrail/cooldown", s.handleClearCooldown)
	v1.POST("/guardrail/reset-daily", s.handleResetDaily)
	v1.POST("/guardrail/reset", s.handleResetGuardrail)

	v1.GET("/experiences", s.handleQueryExperiences)
	v1.GET("/experiences/stats", s.handleStats)
	v1.DELETE("/experiences/:id", s.handleDeleteExperience)
	v1.POST("/experiences/prune", s.handlePrune)
	v1.GET("/checkpoints", s.handleListCheckpoints)
	v1.POST("/checkpoints", s.handleCreateCheckpoint)
	v1.GET("/export", s.handleExport)
	v1.POST("/import", s.handleImport)
	v1.POST("/reset", s.handleReset)

	if s.deps.Hub != nil {
		v1.GET("/events", s.deps.Hub.Handler())
	}
	return r
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.engine }

// Run listens on the configured address until ctx is done, then shuts down
// gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Address,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Infof("Admin API listening on %s", s.cfg.Address)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	s.log.Infof("Shutting down admin API")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
