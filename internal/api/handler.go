// Package api is the ambient ops surface: health, Prometheus metrics,
// a per-user log-stream websocket, and read-only session/trade/log
// queries. It carries no trading endpoints — session activation and
// trade execution happen through the orchestrator, not this surface.
package api

import (
	"time"

	"zenixcore/internal/events"
	"zenixcore/internal/monitor"
	"zenixcore/pkg/db"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// Server wires the ops HTTP+WS routes around the event bus.
type Server struct {
	Router     *gin.Engine
	Bus        *events.Bus
	Metrics    *monitor.Metrics
	Queries    *db.SessionQueries
	JWTSecret  string
	EnableAuth bool
}

// NewServer builds the gin engine and registers every route. enableAuth
// gates the bearer-JWT check on /v1 routes; operators turn it off for
// local development only. queries may be nil, in which case the
// session/trades/logs read endpoints are not registered.
func NewServer(bus *events.Bus, metrics *monitor.Metrics, queries *db.SessionQueries, jwtSecret string, enableAuth bool) *Server {
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger())
	r.Use(RateLimitMiddleware())
	r.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	s := &Server{Router: r, Bus: bus, Metrics: metrics, Queries: queries, JWTSecret: jwtSecret, EnableAuth: enableAuth}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/healthz", s.health)
	if s.Metrics != nil {
		s.Router.GET("/metrics", gin.WrapH(s.Metrics.Handler()))
	}

	v1 := s.Router.Group("/v1")
	if s.EnableAuth {
		v1.Use(AuthMiddleware(s.JWTSecret))
	}
	{
		v1.GET("/logs/stream", s.logStream)
		if s.Queries != nil {
			v1.GET("/session", s.getSession)
			v1.GET("/trades", s.getTrades)
			v1.GET("/logs", s.getLogs)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(200, gin.H{"status": "ok"})
}

// Start runs the ops server, blocking until it errors or the listener
// is closed.
func (s *Server) Start(addr string) error {
	return s.Router.Run(addr)
}
