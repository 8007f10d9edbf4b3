// Package server exposes the HTTP API: gallery CRUD, gallery stats, session
// retrieval, plus health and metrics endpoints. Every /g and /s route is
// owner-scoped through the bearer token.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"gazer/internal/gallery"
	"gazer/internal/logging"
	"gazer/internal/metrics"
	"gazer/internal/store"
)

// GalleryStore is the storage surface the handlers need. *store.Store
// implements it.
type GalleryStore interface {
	CreateGallery(ctx context.Context, g store.Gallery) (store.Gallery, error)
	GetGallery(ctx context.Context, owner string, id gallery.ID) (store.Gallery, error)
	UpdateGallery(ctx context.Context, owner string, id gallery.ID, patch store.GalleryPatch) (store.Gallery, error)
	DeleteGallery(ctx context.Context, owner string, id gallery.ID) error
	ListOwnerGalleries(ctx context.Context, owner string) ([]store.Gallery, error)
	GetSession(ctx context.Context, owner string, sessionID gallery.SessionID) (store.Session, error)
	Stats(ctx context.Context, owner string, id gallery.ID) (store.GalleryStats, error)
	AllStats(ctx context.Context, owner string) ([]store.GalleryStats, error)
}

// GalleryScheduler is the scheduler surface the handlers need.
// *scheduler.Scheduler implements it.
type GalleryScheduler interface {
	Add(ctx context.Context, state gallery.SchedulerState) error
	Update(ctx context.Context, id gallery.ID, state gallery.SchedulerState) error
	Delete(ctx context.Context, id gallery.ID) error
}

// Config wires a Server.
type Config struct {
	HostAddr  string
	JWTSecret string
	Store     GalleryStore
	Scheduler GalleryScheduler
	Metrics   *metrics.Metrics
	Logger    logging.Logger
	Debug     bool
}

// Server is the HTTP front end.
type Server struct {
	engine     *gin.Engine
	httpServer *http.Server
	store      GalleryStore
	scheduler  GalleryScheduler
	jwtSecret  []byte
	logger     logging.Logger
}

// New builds the router. Run starts serving.
func New(cfg Config) *Server {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowMethods = []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	engine.Use(cors.New(corsConfig))

	s := &Server{
		engine:    engine,
		store:     cfg.Store,
		scheduler: cfg.Scheduler,
		jwtSecret: []byte(cfg.JWTSecret),
		logger:    logging.OrNop(cfg.Logger),
	}
	s.httpServer = &http.Server{
		Addr:              cfg.HostAddr,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	engine.GET("/healthz", s.handleHealthz)
	if cfg.Metrics != nil {
		engine.GET("/metrics", gin.WrapH(cfg.Metrics.Handler()))
	}

	authed := engine.Group("/", s.authMiddleware())
	authed.POST("/g/gallery", s.handleCreateGallery)
	authed.GET("/g/gallery", s.handleListGalleries)
	authed.GET("/g/gallery/:id", s.handleGetGallery)
	authed.PATCH("/g/gallery/:id", s.handlePatchGallery)
	authed.DELETE("/g/gallery/:id", s.handleDeleteGallery)
	// The "all" id is reserved: it returns stats for every owned gallery.
	authed.GET("/g/gallery_stats/:id", s.handleGalleryStats)
	authed.GET("/s/:session_id", s.handleGetSession)

	return s
}

// Run serves until the listener fails or Shutdown is called.
func (s *Server) Run() error {
	s.logger.Info("http server listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
