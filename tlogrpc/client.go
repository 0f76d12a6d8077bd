package tlogrpc

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/chn0318/tlog/mutation"
	"github.com/chn0318/tlog/wire"
)

// Client is a peek endpoint backed by a gRPC connection to one TLog
// server. It satisfies peekcursor.Endpoint.
type Client struct {
	id     uuid.UUID
	target string
	opts   []grpc.DialOption
	logger *zap.Logger

	mu   sync.Mutex
	conn *grpc.ClientConn

	stats *peekStats
}

// Dial connects to a TLog server. Extra dial options are appended after the
// codec defaults, so tests can inject a bufconn dialer.
func Dial(target string, logger *zap.Logger, opts ...grpc.DialOption) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		id:     uuid.New(),
		target: target,
		logger: logger,
	}
	c.opts = append(c.opts,
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(wire.CodecName)))
	c.opts = append(c.opts, opts...)

	conn, err := grpc.NewClient(target, c.opts...)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", target)
	}
	c.conn = conn
	c.stats = newPeekStats(c.resetConnection, logger, time.Now)
	return c, nil
}

// ID identifies this endpoint for peek-location reporting.
func (c *Client) ID() uuid.UUID { return c.id }

// Target returns the server address.
func (c *Client) Target() string { return c.target }

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Close()
}

func (c *Client) currentConn() *grpc.ClientConn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// resetConnection rebuilds the underlying connection. Invoked by the slow
// peek checker when a replica keeps answering slowly.
func (c *Client) resetConnection() {
	conn, err := grpc.NewClient(c.target, c.opts...)
	if err != nil {
		c.logger.Warn("connection reset failed",
			zap.String("target", c.target), zap.Error(err))
		return
	}
	c.mu.Lock()
	old := c.conn
	c.conn = conn
	c.mu.Unlock()
	_ = old.Close()
	c.logger.Info("connection reset for slow peeks", zap.String("target", c.target))
}

// Peek implements peekcursor.Endpoint, mapping gRPC status codes back onto
// the cursor error taxonomy.
func (c *Client) Peek(ctx context.Context, req *wire.PeekRequest) (*wire.PeekReply, error) {
	start := time.Now()
	out := new(wire.PeekReply)
	err := c.currentConn().Invoke(ctx, peekFullMethod, req, out)
	if err != nil {
		st, ok := status.FromError(err)
		if !ok {
			return nil, errors.Wrapf(err, "peek %s", c.target)
		}
		switch st.Code() {
		case codes.OutOfRange:
			return nil, errors.Wrapf(mutation.ErrEndOfStream, "peek %s: %s", c.target, st.Message())
		case codes.DeadlineExceeded:
			return nil, errors.Wrapf(mutation.ErrTimedOut, "peek %s", c.target)
		case codes.Unavailable:
			return nil, errors.Wrapf(mutation.ErrBrokenPromise, "peek %s: %s", c.target, st.Message())
		default:
			return nil, errors.Wrapf(err, "peek %s", c.target)
		}
	}
	c.stats.record(time.Since(start), len(out.Data))
	return out, nil
}
