// Package monitor serves a read-only view of the bridge over HTTP and pushes
// coordinator events to Socket.IO clients.
package monitor

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	socketio "github.com/googollee/go-socket.io"
	"github.com/kiliankoe/neuroquip/internal/coordinator"
	"github.com/kiliankoe/neuroquip/internal/game"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	room = "bridge"

	EventState  = "bridge:state"
	EventWindow = "bridge:window"
)

type Server struct {
	addr    string
	session *game.Session
	io      *socketio.Server
	engine  *gin.Engine
}

var _ coordinator.Observer = (*Server)(nil)

func New(addr string, sess *game.Session) *Server {
	srv := &Server{addr: addr, session: sess, io: socketio.NewServer(nil)}
	srv.engine = srv.routes()
	return srv
}

// Handler exposes the HTTP routes, for tests and embedding.
func (srv *Server) Handler() http.Handler { return srv.engine }

func (srv *Server) routes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(func(c *gin.Context) {
		start := time.Now()
		c.Next()
		path := c.Request.URL.Path
		if strings.HasPrefix(path, "/socket.io") {
			return
		}
		log.Debug().Str("path", path).Int("status", c.Writer.Status()).Dur("dur", time.Since(start)).Msg("http")
	})

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true, "time": time.Now().UTC()})
	})
	r.GET("/api/session", func(c *gin.Context) {
		c.JSON(http.StatusOK, srv.session.Snapshot())
	})

	srv.mountSocket(r)
	return r
}

func (srv *Server) mountSocket(r *gin.Engine) {
	io := srv.io
	io.OnConnect("/", func(s socketio.Conn) error {
		s.Join(room)
		log.Info().Str("sid", s.ID()).Msg("monitor connected")
		return nil
	})
	// clients that join mid-game ask for the current state
	io.OnEvent("/", "bridge:snapshot", func(s socketio.Conn) game.Snapshot {
		return srv.session.Snapshot()
	})
	io.OnError("/", func(s socketio.Conn, e error) {
		sid := ""
		if s != nil {
			sid = s.ID()
		}
		log.Error().Str("sid", sid).Err(e).Msg("monitor socket error")
	})
	io.OnDisconnect("/", func(s socketio.Conn, reason string) {
		log.Info().Str("sid", s.ID()).Str("reason", reason).Msg("monitor disconnected")
	})

	r.GET("/socket.io/*any", gin.WrapH(io))
	r.POST("/socket.io/*any", gin.WrapH(io))
	r.OPTIONS("/socket.io/*any", func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type")
		c.Status(http.StatusNoContent)
	})
}

// Observe pushes ev to every connected monitor.
func (srv *Server) Observe(ev coordinator.Event) {
	srv.io.BroadcastToRoom("/", room, EventState, ev.Snapshot)
	switch ev.Kind {
	case coordinator.EventWindowOpened, coordinator.EventWindowClosed:
		srv.io.BroadcastToRoom("/", room, EventWindow, ev)
	}
}

// Run serves until ctx is done.
func (srv *Server) Run(ctx context.Context) error {
	go func() {
		if err := srv.io.Serve(); err != nil {
			log.Error().Err(err).Msg("socket.io serve failed")
		}
	}()
	defer srv.io.Close()

	httpSrv := &http.Server{Addr: srv.addr, Handler: srv.engine, ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.addr).Msg("monitor listening")
		errc <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return errors.Wrap(err, "monitor listen")
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(sctx); err != nil {
		return errors.Wrap(err, "monitor shutdown")
	}
	return nil
}
