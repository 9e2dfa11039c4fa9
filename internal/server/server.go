// Package server binds the core components to network endpoints:
// PublicSurface from spec.md §4.6. Grounded on
// RoseWrightdev-Video-Conferencing's cmd/v1/session/main.go (gin router,
// gin.WrapH for the Prometheus handler, every route registered directly
// on one engine) and the teacher's ServeHTTP dispatch for the upgrade
// path itself.
package server

import (
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/moli-green/signal/internal/admission"
	"github.com/moli-green/signal/internal/metrics"
	"github.com/moli-green/signal/internal/room"
	"github.com/moli-green/signal/internal/session"
	"github.com/moli-green/signal/internal/turncred"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4 * 1024,
	WriteBufferSize: 4 * 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server owns the admitted HTTP surface: /ws, /api/ice-config,
// /metrics, /healthz, and an optional static client bundle.
type Server struct {
	admission *admission.Controller
	rooms     *room.Registry
	issuer    *turncred.Issuer
	log       *zap.Logger
	router    *gin.Engine
}

// New builds the gin router and registers every route.
func New(ctrl *admission.Controller, rooms *room.Registry, issuer *turncred.Issuer, clientDir string, log *zap.Logger) *Server {
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{admission: ctrl, rooms: rooms, issuer: issuer, log: log, router: router}

	router.GET("/ws", s.handleWS)
	router.GET("/api/ice-config", s.handleIceConfig)
	router.GET("/healthz", s.handleHealthz)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	if clientDir != "" {
		// A "/*filepath" catch-all cannot share the root with the routes
		// above in gin's tree, so unmatched paths fall through to the files.
		router.NoRoute(gin.WrapH(http.FileServer(http.Dir(clientDir))))
	}

	return s
}

// Handler exposes the underlying http.Handler for http.Server wiring.
func (s *Server) Handler() http.Handler { return s.router }

func remoteIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.IndexByte(xff, ','); i >= 0 {
			return strings.TrimSpace(xff[:i])
		}
		return strings.TrimSpace(xff)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) handleWS(c *gin.Context) {
	ip := remoteIP(c.Request)
	origin := c.GetHeader("Origin")

	ticket, rej := s.admission.Admit(ip, origin)
	if rej != nil {
		metrics.AdmissionsDeniedTotal.WithLabelValues(string(rej.Reason)).Inc()
		c.String(rej.Status, rej.Message)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		ticket.Release()
		return
	}

	rm, sub := s.rooms.Assign()
	sess := session.New(conn, rm, sub, s.rooms, ticket, s.log)
	go sess.Run()
}

func (s *Server) handleIceConfig(c *gin.Context) {
	c.JSON(http.StatusOK, s.issuer.Config(time.Now()))
}

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "rooms": s.rooms.RoomCount()})
}
