package httpapi

import (
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/lyzr/tabcoord/internal/bootstrap"
	"github.com/lyzr/tabcoord/internal/room"
	"github.com/lyzr/tabcoord/internal/servertransport"
	"github.com/lyzr/tabcoord/internal/sysinfo"
)

// Server holds the coordinator's HTTP/WebSocket routing state: the
// component graph from bootstrap, plus the per-connection bookkeeping
// (which peer is subscribed to which document, which awareness clientIds
// came from which peer+document) that doesn't belong in any single
// domain component.
type Server struct {
	c *bootstrap.Components

	mu          sync.Mutex
	peerDocs    map[string]map[string]struct{}            // peerID -> subscribed docIDs
	peerClients map[string]map[string]map[string]struct{} // peerID -> docID -> clientIDs announced
	rooms       map[string]*room.Room                      // docID -> Room, local-mode documents only
	transports  map[string]*servertransport.Transport      // docID -> Transport, server-mode documents only
}

// New builds an Echo server wired to components, grounded on
// cmd/orchestrator/main.go's setupEcho/setupMiddleware/registerRoutes
// split.
func New(components *bootstrap.Components) *echo.Echo {
	s := &Server{
		c:           components,
		peerDocs:    make(map[string]map[string]struct{}),
		peerClients: make(map[string]map[string]map[string]struct{}),
		rooms:       make(map[string]*room.Room),
		transports:  make(map[string]*servertransport.Transport),
	}

	e := echo.New()
	e.HideBanner = true

	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.Use(middleware.RequestID())

	e.GET("/health", s.handleHealth)
	e.GET("/debug/peers", s.handleDebugPeers)
	e.GET("/debug/docs", s.handleDebugDocs)
	e.GET("/debug/sysinfo", s.handleDebugSysinfo)

	e.GET("/ws/control", s.handleControl)
	e.GET("/ws/doc", s.handleDocChannel)

	return e
}

func (s *Server) handleHealth(c echo.Context) error {
	if err := s.c.Health(c.Request().Context()); err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{
			"status": "degraded",
			"error":  err.Error(),
		})
	}
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "ok",
		"service": s.c.Config.Service.Name,
	})
}

func (s *Server) handleDebugPeers(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"activePeerId": s.c.Peers.ActiveID(),
		"peerCount":    s.c.Peers.Count(),
		"initialized":  s.c.Peers.IsInitialized(),
	})
}

func (s *Server) handleDebugDocs(c echo.Context) error {
	return c.JSON(http.StatusOK, s.c.Docs.Snapshot())
}

func (s *Server) handleDebugSysinfo(c echo.Context) error {
	return c.JSON(http.StatusOK, sysinfo.Capture())
}

func newPeerID() string {
	return uuid.NewString()
}
