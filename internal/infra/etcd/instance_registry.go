// internal/infra/etcd/instance_registry.go
package etcd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// InstanceRegistryPrefix is where ingest instances advertise their gRPC address.
const InstanceRegistryPrefix = "/execlog/ingest/instances/"

var errAlreadyRegistered = errors.New("ingest instance already registered")

// InstanceRegistry advertises one ingest instance under a lease. The lease is
// refreshed from Register until Deregister.
type InstanceRegistry struct {
	client *clientv3.Client
	logger *slog.Logger

	mu        sync.Mutex
	key       string
	leaseID   clientv3.LeaseID
	stopAlive context.CancelFunc
	aliveDone chan struct{}
}

// NewInstanceRegistry creates a registry for a single instance.
func NewInstanceRegistry(client *clientv3.Client, logger *slog.Logger) *InstanceRegistry {
	return &InstanceRegistry{
		client: client,
		logger: logger.With("component", "instance-registry"),
	}
}

// Register puts instanceID -> addr under a lease of ttl and starts refreshing it.
// ctx bounds only the registration calls, not the refresh loop.
func (r *InstanceRegistry) Register(ctx context.Context, instanceID, addr string, ttl time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.leaseID != 0 {
		return errAlreadyRegistered
	}

	seconds := max(int64(ttl.Seconds()), 1)
	lease, err := r.client.Grant(ctx, seconds)
	if err != nil {
		return fmt.Errorf("granting registration lease: %w", err)
	}

	key := InstanceRegistryPrefix + instanceID
	if _, err := r.client.Put(ctx, key, addr, clientv3.WithLease(lease.ID)); err != nil {
		r.revoke(lease.ID)
		return fmt.Errorf("writing registration %s: %w", key, err)
	}

	aliveCtx, stop := context.WithCancel(context.Background())
	alive, err := r.client.KeepAlive(aliveCtx, lease.ID)
	if err != nil {
		stop()
		r.revoke(lease.ID)
		return fmt.Errorf("refreshing registration lease: %w", err)
	}

	r.key, r.leaseID, r.stopAlive = key, lease.ID, stop
	r.aliveDone = make(chan struct{})
	go r.drain(aliveCtx, alive, r.aliveDone)

	r.logger.Info("ingest instance registered", "key", key, "addr", addr, "ttl", ttl)
	return nil
}

// drain consumes keep-alive responses. The channel closes when the loop is
// stopped or the lease is lost.
func (r *InstanceRegistry) drain(ctx context.Context, alive <-chan *clientv3.LeaseKeepAliveResponse, done chan<- struct{}) {
	defer close(done)
	for resp := range alive {
		r.logger.Debug("registration lease refreshed", "lease_id", resp.ID, "ttl", resp.TTL)
	}
	if ctx.Err() == nil {
		r.logger.Warn("registration lease lost, instance is no longer discoverable", "key", r.key)
	}
}

// Deregister stops refreshing the lease and revokes it, deleting the registration.
func (r *InstanceRegistry) Deregister(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.leaseID == 0 {
		return nil
	}

	r.stopAlive()
	<-r.aliveDone

	r.logger.Info("deregistering ingest instance", "key", r.key)
	_, err := r.client.Revoke(ctx, r.leaseID)
	r.leaseID = 0
	if err != nil {
		return fmt.Errorf("revoking registration lease: %w", err)
	}
	return nil
}

func (r *InstanceRegistry) revoke(id clientv3.LeaseID) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := r.client.Revoke(ctx, id); err != nil {
		r.logger.Warn("failed to revoke unused lease", "lease_id", id, "error", err)
	}
}
