// internal/infra/etcd/instance_discovery.go
package etcd

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// InstanceDiscovery tracks the ingest instances registered in etcd.
// It satisfies grpcsink.AddressSource.
type InstanceDiscovery struct {
	client    *clientv3.Client
	logger    *slog.Logger
	mu        sync.RWMutex
	instances map[string]string // registration key -> addr
}

// NewInstanceDiscovery creates a new discovery service.
func NewInstanceDiscovery(client *clientv3.Client, logger *slog.Logger) *InstanceDiscovery {
	return &InstanceDiscovery{
		client:    client,
		logger:    logger.With("component", "instance-discovery"),
		instances: make(map[string]string),
	}
}

// Watch loads the current instances and follows registrations until ctx is done.
// It blocks and should be run in a goroutine.
func (d *InstanceDiscovery) Watch(ctx context.Context) {
	d.logger.Info("starting to watch for ingest instances")

	if err := d.Load(ctx); err != nil {
		d.logger.Error("failed to perform initial instance load", "error", err)
	}

	watchChan := d.client.Watch(ctx, InstanceRegistryPrefix, clientv3.WithPrefix())
	for watchResp := range watchChan {
		for _, event := range watchResp.Events {
			d.apply(event.Type == clientv3.EventTypePut, string(event.Kv.Key), string(event.Kv.Value))
		}
	}
	d.logger.Info("stopped watching for ingest instances")
}

// Load replaces the known instances with the current registrations.
func (d *InstanceDiscovery) Load(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	resp, err := d.client.Get(ctx, InstanceRegistryPrefix, clientv3.WithPrefix())
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	clear(d.instances)
	for _, kv := range resp.Kvs {
		d.logger.Info("found existing ingest instance", "key", string(kv.Key), "addr", string(kv.Value))
		d.instances[string(kv.Key)] = string(kv.Value)
	}
	return nil
}

// apply records a put (registration or lease refresh) or a delete (deregistration
// or lease expiry).
func (d *InstanceDiscovery) apply(put bool, key, addr string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if put {
		if _, ok := d.instances[key]; !ok {
			d.logger.Info("new ingest instance discovered", "key", key, "addr", addr)
		}
		d.instances[key] = addr
		return
	}
	d.logger.Info("ingest instance deregistered", "key", key, "addr", d.instances[key])
	delete(d.instances, key)
}

// Addrs returns a sorted snapshot of the known instance addresses.
func (d *InstanceDiscovery) Addrs() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return slices.Sorted(maps.Values(d.instances))
}
