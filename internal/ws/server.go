// Package ws accepts device websocket connections and feeds their frames into
// the session hub.
package ws

import (
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/vmorsell/cohort-live/internal/ratelimit"
	"github.com/vmorsell/cohort-live/internal/session"
	"go.uber.org/zap"
)

const (
	readBufferSize        = 1024
	writeBufferSize       = 1024
	DefaultMaxMessageSize = 1024
)

// Sessions receives connection lifecycle callbacks. Calls for one connection
// are made from a single goroutine, in order.
type Sessions interface {
	Connect(id string, t session.Transport)
	Message(id string, data []byte)
	Pong(id string)
	Disconnect(id string, code int, reason string)
}

type Options struct {
	MaxMessageSize int64
	AllowedOrigins []string
	Limiter        *ratelimit.RateLimiter
}

type Server struct {
	logger         *zap.Logger
	sessions       Sessions
	upgrader       websocket.Upgrader
	maxMessageSize int64
	allowedOrigins map[string]bool
	limiter        *ratelimit.RateLimiter
}

func NewServer(logger *zap.Logger, sessions Sessions, opts Options) *Server {
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = DefaultMaxMessageSize
	}
	if opts.Limiter == nil {
		opts.Limiter = ratelimit.NewRateLimiter(ratelimit.DefaultMessageRateLimit, ratelimit.DefaultWindowSize)
	}

	s := &Server{
		logger:         logger,
		sessions:       sessions,
		maxMessageSize: opts.MaxMessageSize,
		allowedOrigins: make(map[string]bool),
		limiter:        opts.Limiter,
	}
	for _, origin := range opts.AllowedOrigins {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			s.allowedOrigins[trimmed] = true
		}
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  readBufferSize,
		WriteBufferSize: writeBufferSize,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("failed to upgrade connection", zap.Error(err))
		return
	}

	id := uuid.NewString()
	t := newTransport(conn)
	s.logger.Info("websocket server: new connection",
		zap.String("connectionID", id),
		zap.String("remoteAddr", r.RemoteAddr))

	s.sessions.Connect(id, t)
	go t.writePump()
	go s.readPump(id, t)
}

func (s *Server) readPump(id string, t *transport) {
	code, reason := websocket.CloseNoStatusReceived, ""
	defer func() {
		t.stop()
		t.conn.Close()
		s.limiter.Forget(id)
		s.sessions.Disconnect(id, code, reason)
	}()

	t.conn.SetReadLimit(s.maxMessageSize)
	t.conn.SetPongHandler(func(string) error {
		s.sessions.Pong(id)
		return nil
	})

	for {
		_, message, err := t.conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			switch {
			case errors.As(err, &closeErr):
				code, reason = closeErr.Code, closeErr.Text
			case errors.Is(err, websocket.ErrReadLimit):
				code, reason = websocket.CloseMessageTooBig, err.Error()
			default:
				code, reason = websocket.CloseAbnormalClosure, err.Error()
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Warn("websocket error", zap.String("connectionID", id), zap.Error(err))
			}
			return
		}

		if !s.limiter.Allow(id) {
			s.logger.Warn("dropping message over rate limit", zap.String("connectionID", id))
			continue
		}
		s.sessions.Message(id, message)
	}
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.allowedOrigins) == 0 {
		return true
	}
	if s.allowedOrigins[origin] {
		return true
	}
	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return parsed.Host == r.Host
}
