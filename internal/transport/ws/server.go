// Package ws is the client-facing WebSocket transport. Each text frame
// carries one command; replies are written back on the same connection in the
// order the router produces them.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/signalsfoundry/simctl/internal/command"
	"github.com/signalsfoundry/simctl/internal/logging"
	"github.com/signalsfoundry/simctl/internal/router"
)

const (
	DefaultWriteTimeout = 10 * time.Second

	// CodeRateLimited is the reply code for frames rejected by the limiter.
	CodeRateLimited = "RateLimited"
)

// ErrRateLimited rejects a frame that exceeded the connection's rate limit.
var ErrRateLimited = errors.New("rate limit exceeded")

// Submitter accepts requests for dispatch. *router.Router implements it.
type Submitter interface {
	Submit(ctx context.Context, req *router.Request) error
}

// Config tunes the transport.
type Config struct {
	// AllowMultiple lifts the single-client restriction.
	AllowMultiple bool
	// RateLimit is the sustained number of commands per second accepted
	// per connection. Zero disables limiting.
	RateLimit    float64
	RateBurst    int
	WriteTimeout time.Duration
	Log          logging.Logger
}

// Frame is an inbound command.
type Frame struct {
	Command   string         `json:"command"`
	Arguments map[string]any `json:"arguments"`
}

type session struct {
	id      string
	conn    *websocket.Conn
	limiter *rate.Limiter

	writeMu sync.Mutex
}

// Server upgrades HTTP requests and bridges frames to the router.
type Server struct {
	sub      Submitter
	cfg      Config
	log      logging.Logger
	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]*session
}

// NewServer constructs a Server submitting to sub. Replies reach clients
// once the server is installed as the router's Replier.
func NewServer(sub Submitter, cfg Config) *Server {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.RateLimit > 0 && cfg.RateBurst <= 0 {
		cfg.RateBurst = 1
	}
	log := cfg.Log
	if log == nil {
		log = logging.Noop()
	}
	return &Server{
		sub: sub,
		cfg: cfg,
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		sessions: make(map[string]*session),
	}
}

// SetSubmitter replaces the submitter. It is used when the router is built
// after the server, since each needs the other.
func (s *Server) SetSubmitter(sub Submitter) {
	s.mu.Lock()
	s.sub = sub
	s.mu.Unlock()
}

// Clients returns the number of connected clients.
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn(r.Context(), "websocket upgrade failed", logging.Err(err))
		return
	}

	sess, ok := s.attach(conn)
	if !ok {
		s.log.Warn(r.Context(), "rejecting client, another client is connected",
			logging.String("remote", r.RemoteAddr),
		)
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "another client is connected")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.cfg.WriteTimeout))
		_ = conn.Close()
		return
	}
	log := s.log.With(logging.String("client", sess.id))
	log.Info(r.Context(), "client connected", logging.String("remote", r.RemoteAddr))

	defer func() {
		s.detach(sess)
		_ = conn.Close()
		log.Info(context.Background(), "client disconnected")
	}()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug(r.Context(), "read failed", logging.Err(err))
			}
			return
		}
		s.handleFrame(r.Context(), sess, payload, log)
	}
}

// handleFrame submits one frame. Frames the transport rejects are submitted
// too, carrying their error, so that every reply leaves in request order.
func (s *Server) handleFrame(ctx context.Context, sess *session, payload []byte, log logging.Logger) {
	req := &router.Request{
		Client:    sess.id,
		RequestID: logging.NewRequestID(),
	}

	var f Frame
	switch {
	case sess.limiter != nil && !sess.limiter.Allow():
		req.Err = ErrRateLimited
	default:
		if err := json.Unmarshal(payload, &f); err != nil {
			log.Debug(ctx, "rejecting malformed frame", logging.Err(err))
			req.Err = command.InvalidArgumentf("malformed frame: %v", err)
		} else if f.Command == "" {
			req.Err = command.InvalidArgumentf("frame has no command")
		}
	}
	req.Name = f.Command
	req.Args = command.Args(f.Arguments)

	s.mu.Lock()
	sub := s.sub
	s.mu.Unlock()

	// A closed router delivers nothing more, so the error is written directly.
	if err := sub.Submit(ctx, req); err != nil {
		if errors.Is(err, router.ErrClosed) {
			err = errors.Join(command.ErrInternal, err)
		}
		s.writeError(sess, err)
	}
}

// Reply implements router.Replier. Replies for clients that have gone away
// are dropped.
func (s *Server) Reply(ctx context.Context, rep router.Reply) {
	s.mu.Lock()
	sess := s.sessions[rep.Client]
	s.mu.Unlock()
	if sess == nil {
		s.log.Debug(ctx, "dropping reply for disconnected client",
			logging.String("client", rep.Client),
			logging.String("command", rep.Name),
		)
		return
	}
	if rep.Err != nil {
		s.writeError(sess, rep.Err)
		return
	}
	s.write(sess, map[string]any{"result": rep.Result})
}

func (s *Server) writeError(sess *session, err error) {
	code := command.Code(err)
	if errors.Is(err, ErrRateLimited) {
		code = CodeRateLimited
	}
	s.write(sess, map[string]any{"error": err.Error(), "code": code})
}

func (s *Server) write(sess *session, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.log.Error(context.Background(), "encoding reply failed",
			logging.String("client", sess.id),
			logging.Err(err),
		)
		data, _ = json.Marshal(map[string]any{"error": err.Error(), "code": command.CodeInternal})
	}

	sess.writeMu.Lock()
	defer sess.writeMu.Unlock()
	_ = sess.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	if err := sess.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		s.log.Debug(context.Background(), "write failed",
			logging.String("client", sess.id),
			logging.Err(err),
		)
	}
}

func (s *Server) attach(conn *websocket.Conn) (*session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfg.AllowMultiple && len(s.sessions) > 0 {
		return nil, false
	}
	sess := &session{id: uuid.NewString(), conn: conn}
	if s.cfg.RateLimit > 0 {
		sess.limiter = rate.NewLimiter(rate.Limit(s.cfg.RateLimit), s.cfg.RateBurst)
	}
	s.sessions[sess.id] = sess
	return sess, true
}

func (s *Server) detach(sess *session) {
	s.mu.Lock()
	delete(s.sessions, sess.id)
	s.mu.Unlock()
}
