// internal/infra/grpcsink/client.go
package grpcsink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"

	"chatbot-execlog/internal/domain"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
)

// ErrNoInstances is returned when no ingest instance is known.
var ErrNoInstances = errors.New("no ingest instances available")

// AddressSource lists the gRPC addresses of ingest instances.
type AddressSource interface {
	Addrs() []string
}

// StaticAddrs is a fixed list of ingest instance addresses.
type StaticAddrs []string

func (s StaticAddrs) Addrs() []string { return s }

// Client is a domain.LogWriter that forwards writes to a remote ingest instance.
type Client struct {
	source   AddressSource
	dialOpts []grpc.DialOption
	logger   *slog.Logger

	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
}

var _ domain.LogWriter = (*Client)(nil)

// NewClient creates a remote writer. Extra dial options are applied after the
// defaults (insecure transport, OpenTelemetry stats handler).
func NewClient(source AddressSource, logger *slog.Logger, opts ...grpc.DialOption) *Client {
	dialOpts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	}
	return &Client{
		source:   source,
		dialOpts: append(dialOpts, opts...),
		logger:   logger.With("component", "grpc-ingest-client"),
		conns:    make(map[string]*grpc.ClientConn),
	}
}

func (c *Client) Insert(ctx context.Context, event domain.LogEvent) error {
	req, err := toStruct(event)
	if err != nil {
		return err
	}
	return c.invoke(ctx, InsertMethod, req)
}

func (c *Client) CloseRunning(ctx context.Context, closure domain.NodeClosure) error {
	req, err := toStruct(closure)
	if err != nil {
		return err
	}
	return c.invoke(ctx, CloseRunningMethod, req)
}

func (c *Client) invoke(ctx context.Context, method string, req any) error {
	conn, addr, err := c.pick()
	if err != nil {
		return err
	}
	if err := conn.Invoke(ctx, method, req, new(emptypb.Empty)); err != nil {
		return fmt.Errorf("remote ingest %s at %s failed: %w", method, addr, err)
	}
	return nil
}

// pick selects a random instance and returns a cached connection to it.
func (c *Client) pick() (*grpc.ClientConn, string, error) {
	addrs := c.source.Addrs()
	if len(addrs) == 0 {
		return nil, "", ErrNoInstances
	}
	addr := addrs[rand.Intn(len(addrs))]

	c.mu.Lock()
	defer c.mu.Unlock()

	if conn, ok := c.conns[addr]; ok {
		return conn, addr, nil
	}
	conn, err := grpc.NewClient(addr, c.dialOpts...)
	if err != nil {
		return nil, "", fmt.Errorf("failed to connect to ingest instance at %s: %w", addr, err)
	}
	c.conns[addr] = conn
	c.logger.Info("created new gRPC client for ingest instance", "addr", addr)
	return conn, addr, nil
}

// Close closes every cached connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	for addr, conn := range c.conns {
		if err := conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing connection to %s: %w", addr, err))
		}
		delete(c.conns, addr)
	}
	return errors.Join(errs...)
}
