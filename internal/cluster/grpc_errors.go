package cluster

import (
	"context"
	"errors"
	"fmt"

	"github.com/signalsfoundry/simctl/internal/command"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ToStatusError maps command errors onto gRPC status codes. The message is
// carried verbatim so FromStatusError can rebuild the same client-visible text.
func ToStatusError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	switch {
	case errors.Is(err, command.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, command.ErrInvalidArgument):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, command.ErrDuplicateUID):
		return status.Error(codes.AlreadyExists, err.Error())
	case errors.Is(err, command.ErrUnknownCommand):
		return status.Error(codes.Unimplemented, err.Error())
	case errors.Is(err, command.ErrNodeUnreachable):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, command.ErrInterrupted):
		return status.Error(codes.Aborted, err.Error())
	case errors.Is(err, command.ErrInternal):
		return status.Error(codes.Internal, err.Error())
	default:
		return status.Error(codes.Unknown, err.Error())
	}
}

// FromStatusError is the inverse of ToStatusError on the calling node.
// Transport failures and deadline expiry become command.ErrNodeUnreachable.
func FromStatusError(node NodeID, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %s: %v", command.ErrNodeUnreachable, node, err)
	}
	st, ok := status.FromError(err)
	if !ok {
		return fmt.Errorf("%w: %s: %v", command.ErrNodeUnreachable, node, err)
	}

	msg := st.Message()
	switch st.Code() {
	case codes.NotFound:
		return command.FromCode(command.CodeNotFound, msg)
	case codes.InvalidArgument:
		return command.FromCode(command.CodeInvalidArgument, msg)
	case codes.AlreadyExists:
		return command.FromCode(command.CodeDuplicateUID, msg)
	case codes.Unimplemented:
		return command.FromCode(command.CodeUnknownCommand, msg)
	case codes.Aborted:
		return command.FromCode(command.CodeInterrupted, msg)
	case codes.Internal:
		return command.FromCode(command.CodeInternal, msg)
	case codes.Unknown:
		return errors.New(msg)
	case codes.Unavailable, codes.DeadlineExceeded, codes.Canceled:
		return fmt.Errorf("%w: %s: %s", command.ErrNodeUnreachable, node, msg)
	default:
		return fmt.Errorf("%w: %s: %s: %s", command.ErrNodeUnreachable, node, st.Code(), msg)
	}
}
