// cmd/execlog/store.go
package main

import (
	"context"
	"fmt"

	"chatbot-execlog/internal/domain"
	"chatbot-execlog/internal/infra/etcd"
	"chatbot-execlog/internal/infra/memory"
	"chatbot-execlog/internal/infra/postgres"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// backend is the opened log store plus what the process needs around it.
type backend struct {
	store domain.LogStore
	// etcd is set when the store or instance registration talks to etcd.
	etcd   *clientv3.Client
	health func(ctx context.Context) error
}

func (b *backend) Close() error {
	err := b.store.Close()
	if b.etcd != nil {
		if cerr := b.etcd.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// openBackend opens the configured log store, and an etcd client when the store
// or instance registration needs one.
func (a *app) openBackend(ctx context.Context) (*backend, error) {
	be, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	if be.etcd == nil && a.cfg.GRPC.Register {
		client, err := a.etcdClient(ctx)
		if err != nil {
			_ = be.store.Close()
			return nil, err
		}
		be.etcd = client
	}
	return be, nil
}

func (a *app) openStore(ctx context.Context) (*backend, error) {
	cfg := a.cfg

	switch cfg.Store.Backend {
	case "postgres":
		store, err := postgres.Open(ctx, cfg.Store.PostgresDSN, a.logger)
		if err != nil {
			return nil, err
		}
		a.logger.Info("connected to postgres")
		return &backend{store: store, health: store.DB().PingContext}, nil

	case "etcd":
		client, err := a.etcdClient(ctx)
		if err != nil {
			return nil, err
		}
		return &backend{
			store: etcd.NewLogRepository(client, a.logger),
			etcd:  client,
			health: func(ctx context.Context) error {
				_, err := client.Status(ctx, cfg.Etcd.Endpoints[0])
				return err
			},
		}, nil

	case "memory":
		a.logger.Warn("using the in-memory log store, logs are lost on restart")
		return &backend{store: memory.NewLogStore()}, nil
	}
	return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
}

func (a *app) etcdClient(ctx context.Context) (*clientv3.Client, error) {
	client, err := etcd.NewClient(ctx, a.cfg.Etcd.Endpoints, a.cfg.Etcd.Timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd client: %w", err)
	}
	a.logger.Info("connected to etcd", "endpoints", a.cfg.Etcd.Endpoints)
	return client, nil
}
