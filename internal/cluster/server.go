package cluster

import (
	"context"

	"github.com/signalsfoundry/simctl/internal/logging"
)

// Executor runs a message received from another node. The router
// implements it.
type Executor interface {
	Execute(ctx context.Context, msg Message) (any, error)
}

// Server implements NodeServer on top of an Executor.
type Server struct {
	exec Executor
	self Endpoint
	role Role
	log  logging.Logger
}

var _ NodeServer = (*Server)(nil)

// NewServer constructs the node service for this node.
func NewServer(exec Executor, self Endpoint, role Role, log logging.Logger) *Server {
	if log == nil {
		log = logging.Noop()
	}
	return &Server{exec: exec, self: self, role: role, log: log}
}

// Execute runs a forwarded or replicated command.
func (s *Server) Execute(ctx context.Context, in *Message) (*Result, error) {
	log := logging.LoggerFromContext(ctx)
	if log == nil {
		log = s.log
	}
	if in.RequestID != "" && logging.RequestIDFromContext(ctx) == "" {
		ctx = logging.ContextWithRequestID(ctx, in.RequestID)
	}

	v, err := s.exec.Execute(ctx, *in)
	if err != nil {
		log.Debug(ctx, "remote command failed",
			logging.String("command", in.Name),
			logging.String("origin", string(in.Origin)),
			logging.Err(err),
		)
		return nil, ToStatusError(err)
	}
	return &Result{Value: v}, nil
}

// Ping answers liveness probes.
func (s *Server) Ping(ctx context.Context, in *PingRequest) (*PingReply, error) {
	return &PingReply{Node: s.self.ID, Role: s.role.String()}, nil
}
