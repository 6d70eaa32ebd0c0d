// cmd/execlog/probe.go
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"chatbot-execlog/internal/domain"
	"chatbot-execlog/internal/infra/etcd"
	"chatbot-execlog/internal/infra/grpcsink"
	"chatbot-execlog/internal/ingest"
	"chatbot-execlog/internal/usecase"

	"github.com/spf13/cobra"
)

var errProbeReplyFailed = errors.New("whatsapp api rejected the reply")

type probeOptions struct {
	tenant  string
	message string
	fail    bool
	remote  bool
}

func newProbeCmd(a *app) *cobra.Command {
	var opts probeOptions

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Record a sample bot execution and print how the dashboard sees it",
		Long: "probe runs a fake two-node conversation turn through the execution logger.\n" +
			"With --remote it writes through the gRPC ingest service of another instance\n" +
			"(ingest.remote_addrs, or etcd discovery with ingest.discover) instead of the\n" +
			"configured store, and the resulting view is not read back.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.probe(cmd, opts)
		},
	}
	cmd.Flags().StringVar(&opts.tenant, "tenant", "", "client_id stamped on the events")
	cmd.Flags().StringVar(&opts.message, "message", "hola, necesito ayuda con mi pedido", "incoming WhatsApp text")
	cmd.Flags().BoolVar(&opts.fail, "fail", false, "make the reply node fail")
	cmd.Flags().BoolVar(&opts.remote, "remote", false, "write through the gRPC ingest service")
	return cmd
}

func (a *app) probe(cmd *cobra.Command, opts probeOptions) error {
	ctx, cancel := a.signalContext(cmd.Context())
	defer cancel()

	var (
		writer domain.LogWriter
		reader domain.LogReader
	)
	if opts.remote {
		client, closeFn, err := a.remoteWriter(ctx)
		if err != nil {
			return err
		}
		defer closeFn()
		writer = client
	} else {
		be, err := a.openBackend(ctx)
		if err != nil {
			return err
		}
		defer be.Close()
		writer, reader = be.store, be.store
	}

	dispatcher := ingest.NewDispatcher(a.logger, a.cfg.Ingest.WriteTimeout)
	execLogger := ingest.NewExecutionLogger(writer, dispatcher, a.logger)

	executionID := runProbeTurn(ctx, execLogger, opts)

	flushCtx, flushCancel := context.WithTimeout(ctx, a.cfg.Ingest.WriteTimeout+time.Second)
	defer flushCancel()
	if err := dispatcher.Close(flushCtx); err != nil {
		return fmt.Errorf("flushing log writes: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "execution_id:", executionID)
	if reader == nil {
		return nil
	}

	result, err := usecase.NewExecutionService(reader, a.logger).Stream(ctx, domain.LogQuery{
		TenantID:    opts.tenant,
		ExecutionID: executionID,
	})
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(result.Executions)
}

// runProbeTurn simulates one conversation turn: classify the message, then reply.
func runProbeTurn(ctx context.Context, l *ingest.ExecutionLogger, opts probeOptions) string {
	incoming := map[string]any{
		"object": "whatsapp_business_account",
		"entry": []any{map[string]any{
			"changes": []any{map[string]any{
				"value": map[string]any{
					"messages": []any{map[string]any{"from": "5215550000000", "text": map[string]any{"body": opts.message}}},
				},
			}},
		}},
	}
	executionID := l.StartExecution(ctx, map[string]any{"source": "probe", domain.MetadataMessageType: "text"}, opts.tenant)

	intent, err := ingest.ExecuteNode(ctx, l, "classify_intent", incoming,
		func(ctx context.Context) (string, error) {
			if strings.Contains(strings.ToLower(opts.message), "pedido") {
				return "order_status", nil
			}
			return "general_question", nil
		})
	if err != nil {
		l.FinishExecution(ctx, domain.LogStatusError)
		return executionID
	}

	_, err = ingest.ExecuteNode(ctx, l, "send_reply", map[string]any{"intent": intent},
		func(ctx context.Context) (map[string]any, error) {
			if opts.fail {
				return nil, fmt.Errorf("sending reply for %s: %w", intent, errProbeReplyFailed)
			}
			return map[string]any{"message_id": "wamid.probe", "intent": intent}, nil
		})
	if err != nil {
		l.FinishExecution(ctx, domain.LogStatusError)
		return executionID
	}

	l.FinishExecution(ctx, domain.LogStatusSuccess)
	return executionID
}

// remoteWriter dials the ingest service of other instances.
func (a *app) remoteWriter(ctx context.Context) (*grpcsink.Client, func(), error) {
	cfg := a.cfg
	if !cfg.Ingest.Discover {
		if len(cfg.Ingest.RemoteAddrs) == 0 {
			return nil, nil, errors.New("no remote ingest instances: set ingest.remote_addrs or ingest.discover")
		}
		client := grpcsink.NewClient(grpcsink.StaticAddrs(cfg.Ingest.RemoteAddrs), a.logger)
		return client, func() { _ = client.Close() }, nil
	}

	etcdClient, err := a.etcdClient(ctx)
	if err != nil {
		return nil, nil, err
	}
	discovery := etcd.NewInstanceDiscovery(etcdClient, a.logger)
	if err := discovery.Load(ctx); err != nil {
		_ = etcdClient.Close()
		return nil, nil, fmt.Errorf("loading ingest instances: %w", err)
	}
	watchCtx, stopWatch := context.WithCancel(ctx)
	go discovery.Watch(watchCtx)

	client := grpcsink.NewClient(discovery, a.logger)
	return client, func() {
		_ = client.Close()
		stopWatch()
		_ = etcdClient.Close()
	}, nil
}
