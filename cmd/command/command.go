package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"cloud.google.com/go/spanner"
	"github.com/anicoll/drover"
	"github.com/anicoll/drover/pkg/checkpointstore"
	"github.com/anicoll/drover/pkg/interceptor"
	"github.com/anicoll/drover/pkg/natsstream"
	"github.com/anicoll/drover/pkg/signal"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
)

const defaultKVBucket = "drover-checkpoints"

func DroverCommand() *cli.Command {
	flags := []cli.Flag{
		&cli.StringFlag{
			Name:     "stream",
			EnvVars:  []string{"STREAM"},
			Required: true,
			Value:    "",
		},
		&cli.StringFlag{
			Name:     "consumer-group",
			EnvVars:  []string{"CONSUMER_GROUP"},
			Required: true,
			Value:    "",
		},
		&cli.StringFlag{
			Name:    "nats-url",
			EnvVars: []string{"NATS_URL"},
			Value:   nats.DefaultURL,
		},
		&cli.StringFlag{
			Name:        "spanner-dsn",
			EnvVars:     []string{"SPANNER_DSN"},
			Required:    false,
			Value:       "",
			DefaultText: "If set, checkpoints are stored in Cloud Spanner instead of a JetStream KV bucket.",
		},
		&cli.StringFlag{
			Name:    "ownership-table",
			EnvVars: []string{"OWNERSHIP_TABLE"},
			Value:   "PartitionOwnership",
		},
		&cli.StringFlag{
			Name:    "checkpoint-table",
			EnvVars: []string{"CHECKPOINT_TABLE"},
			Value:   "Checkpoint",
		},
		&cli.DurationFlag{
			Name:    "lease-duration",
			EnvVars: []string{"LEASE_DURATION"},
			Value:   30 * time.Second,
		},
		&cli.DurationFlag{
			Name:    "max-wait",
			EnvVars: []string{"MAX_WAIT"},
			Value:   time.Second,
		},
		&cli.DurationFlag{
			Name:    "reclaim-interval",
			EnvVars: []string{"RECLAIM_INTERVAL"},
			Value:   10 * time.Second,
		},
		&cli.StringFlag{
			Name:    "log-level",
			EnvVars: []string{"LOG_LEVEL"},
			Value:   "info",
		},
	}
	return &cli.Command{
		Name:  "drover",
		Flags: flags,
		Action: func(c *cli.Context) error {
			cfg := buildConfig(c)

			eg, ctx := errgroup.WithContext(c.Context)

			eg.Go(func() error {
				return signal.SignalHandler(ctx)
			})

			eg.Go(func() error {
				return run(ctx, cfg)
			})

			if err := eg.Wait(); err != nil {
				if errors.Is(err, signal.ErrSignal) || errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			}
			return nil
		},
	}
}

func buildConfig(c *cli.Context) *drover.Config {
	cfg := &drover.Config{}
	cfg.Stream = c.String("stream")
	cfg.ConsumerGroup = c.String("consumer-group")
	cfg.NatsURL = c.String("nats-url")
	cfg.LogLevel = c.String("log-level")

	cfg.SpannerDSN = nillableString(c, "spanner-dsn")
	cfg.OwnershipTable = nillableString(c, "ownership-table")
	cfg.CheckpointTable = nillableString(c, "checkpoint-table")

	lease := c.Duration("lease-duration")
	cfg.LeaseDuration = &lease
	maxWait := c.Duration("max-wait")
	cfg.MaxWaitTime = &maxWait
	reclaim := c.Duration("reclaim-interval")
	cfg.ReclaimInterval = &reclaim

	return cfg
}

func nillableString(c *cli.Context, str string) *string {
	s := c.String(str)
	if c.IsSet(str) {
		return &s
	}
	return nil
}

// jsonOutputHandler writes each event as a JSON line and checkpoints after
// every batch.
type jsonOutputHandler struct {
	out io.Writer
	mu  sync.Mutex
}

func (h *jsonOutputHandler) ProcessEvents(ctx context.Context, checkpoint *drover.CheckpointManager, events []*drover.Event) error {
	h.mu.Lock()
	enc := json.NewEncoder(h.out)
	for _, event := range events {
		if err := enc.Encode(event); err != nil {
			h.mu.Unlock()
			return err
		}
	}
	h.mu.Unlock()

	last := events[len(events)-1]
	return checkpoint.UpdateCheckpoint(ctx, last.Offset, last.SequenceNumber)
}

func (h *jsonOutputHandler) ProcessError(ctx context.Context, partitionID string, err error) {
	fmt.Fprintf(os.Stderr, "partition %s failed: %v\n", partitionID, err)
}

func (h *jsonOutputHandler) Close(ctx context.Context, partitionID string, reason drover.CloseReason) {
	fmt.Fprintf(os.Stderr, "partition %s closed: %s\n", partitionID, reason)
}

func run(ctx context.Context, cfg *drover.Config) error {
	nc, err := nats.Connect(cfg.NatsURL)
	if err != nil {
		return fmt.Errorf("connect to nats: %w", err)
	}
	defer nc.Close()

	js, err := jetstream.New(nc)
	if err != nil {
		return fmt.Errorf("create jetstream context: %w", err)
	}

	store, err := buildStore(ctx, cfg, js)
	if err != nil {
		return err
	}

	streamClient := natsstream.New(js, cfg.Stream)
	handler := &jsonOutputHandler{out: os.Stdout}

	options := []drover.Option{
		drover.WithLogLevel(cfg.LogLevel),
	}
	if cfg.LeaseDuration != nil && *cfg.LeaseDuration != 0 {
		options = append(options, drover.WithLeaseDuration(*cfg.LeaseDuration))
	}
	if cfg.MaxWaitTime != nil && *cfg.MaxWaitTime != 0 {
		options = append(options, drover.WithMaxWaitTime(*cfg.MaxWaitTime))
	}
	if cfg.ReclaimInterval != nil && *cfg.ReclaimInterval != 0 {
		options = append(options, drover.WithReclaimInterval(*cfg.ReclaimInterval))
	}

	processor := drover.NewProcessor(streamClient, cfg.Stream, cfg.ConsumerGroup, store, handler, options...)

	return processor.Run(ctx)
}

func buildStore(ctx context.Context, cfg *drover.Config, js jetstream.JetStream) (drover.CheckpointStore, error) {
	if cfg.SpannerDSN == nil || *cfg.SpannerDSN == "" {
		kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{Bucket: defaultKVBucket})
		if err != nil {
			return nil, fmt.Errorf("create kv bucket: %w", err)
		}
		return checkpointstore.NewJetStream(kv), nil
	}

	qi := interceptor.NewQueueInterceptor(16)
	spannerClient, err := spanner.NewClient(ctx, *cfg.SpannerDSN,
		option.WithGRPCDialOption(grpc.WithChainUnaryInterceptor(qi.UnaryInterceptor)),
		option.WithGRPCDialOption(grpc.WithChainStreamInterceptor(qi.StreamInterceptor)),
	)
	if err != nil {
		return nil, fmt.Errorf("create spanner client: %w", err)
	}

	ownershipTable := "PartitionOwnership"
	if cfg.OwnershipTable != nil && *cfg.OwnershipTable != "" {
		ownershipTable = *cfg.OwnershipTable
	}
	checkpointTable := "Checkpoint"
	if cfg.CheckpointTable != nil && *cfg.CheckpointTable != "" {
		checkpointTable = *cfg.CheckpointTable
	}

	store := checkpointstore.NewSpanner(spannerClient, ownershipTable, checkpointTable)
	if err := store.RunMigrations(ctx); err != nil {
		return nil, fmt.Errorf("run store migrations: %w", err)
	}
	return store, nil
}
