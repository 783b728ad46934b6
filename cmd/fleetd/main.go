package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/github-aws-runners/runner-fleet/internal/api"
	"github.com/github-aws-runners/runner-fleet/internal/config"
	"github.com/github-aws-runners/runner-fleet/internal/countcache"
	"github.com/github-aws-runners/runner-fleet/internal/fleet"
	"github.com/github-aws-runners/runner-fleet/internal/journal"
	"github.com/github-aws-runners/runner-fleet/internal/leaderelection"
	"github.com/github-aws-runners/runner-fleet/internal/metrics"
	"github.com/github-aws-runners/runner-fleet/internal/paramstore"
	"github.com/github-aws-runners/runner-fleet/internal/queue"
	"github.com/github-aws-runners/runner-fleet/internal/registry"
	"github.com/github-aws-runners/runner-fleet/internal/scaledown"
	"github.com/github-aws-runners/runner-fleet/internal/scaleup"
)

const version = "1.0.0"

func main() {
	configPath := flag.String("config", "", "Path to configuration file (optional)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := setupLogger(cfg.LogLevel)
	logger.Info("starting fleetd",
		"version", version,
		"region", cfg.AWS.Region,
		"environments", len(cfg.Environments),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	promRegistry := prometheus.NewRegistry()
	met := metrics.NewMetrics(promRegistry)
	met.DaemonInfo.WithLabelValues(version).Set(1)

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		return fmt.Errorf("failed to load AWS config: %w", err)
	}

	ec2Fleet := fleet.NewEC2Fleet(ec2.NewFromConfig(awsCfg), fleet.EC2Config{
		Region:             cfg.AWS.Region,
		ParameterPrefix:    cfg.AWS.ParameterPrefix,
		InstanceType:       cfg.Fleet.InstanceType,
		AMI:                cfg.Fleet.AMI,
		SubnetID:           cfg.Fleet.SubnetID,
		SecurityGroupIDs:   cfg.Fleet.SecurityGroupIDs,
		IAMInstanceProfile: cfg.Fleet.IAMInstanceProfile,
		UseSpot:            cfg.Fleet.UseSpot,
		VolumeSize:         cfg.Fleet.VolumeSize,
		VolumeType:         cfg.Fleet.VolumeType,
		ExtraTags:          cfg.Fleet.Tags,
	}, logger)

	regCache := registry.NewCache(registry.NewFactory(registry.Config{
		BaseURL:       cfg.Registry.BaseURL,
		Token:         cfg.Registry.Token,
		RunnerGroupID: cfg.Registry.RunnerGroupID,
		Timeout:       cfg.Registry.RequestTimeout,
		MaxRetries:    cfg.Registry.MaxRetries,
	}, logger))

	counterStore := countcache.NewDynamoDBStore(dynamodb.NewFromConfig(awsCfg), cfg.AWS.CounterTable)
	counts := countcache.New(counterStore, ec2Fleet, met, cfg.Cache.TTL, cfg.Cache.StaleAfter, logger)

	params := paramstore.NewSSMStore(ssm.NewFromConfig(awsCfg))
	sqsClient := sqs.NewFromConfig(awsCfg)

	jrnl, err := journal.New(journal.Config{
		Enabled:   cfg.Journal.Enabled,
		Path:      cfg.Journal.Path,
		MaxEvents: cfg.Journal.MaxEvents,
	})
	if err != nil {
		return fmt.Errorf("failed to create journal: %w", err)
	}

	var retrySignaler scaleup.RetrySignaler
	if cfg.AWS.RetryCheckQueueURL != "" {
		retrySignaler = queue.NewPublisher(sqsClient, cfg.AWS.RetryCheckQueueURL, 30*time.Second, logger)
	}

	downEngine := scaledown.New(ec2Fleet, regCache, met, jrnl, cfg.ScaleDown, logger)
	upEngine := scaleup.New(ec2Fleet, regCache, counts, params, retrySignaler, met, jrnl,
		cfg.ScaleUp, cfg.AWS.ParameterPrefix, logger)
	consumer := queue.NewConsumer(sqsClient, cfg.AWS.JobQueueURL, cfg.ScaleUp.BatchSize, logger)

	apiServer := api.New(cfg, ec2Fleet, ec2Fleet, jrnl, promRegistry, logger)
	go func() {
		if err := apiServer.Start(ctx); err != nil {
			logger.Error("API server error", "error", err)
		}
	}()

	le := leaderelection.New(cfg.LeaderElection, logger)

	// The control loops run only while this replica holds the lock. Losing
	// it cancels the lead context; reacquiring starts fresh loops.
	var (
		mu         sync.Mutex
		leadCancel context.CancelFunc
	)
	errCh := make(chan error, 1)
	go func() {
		errCh <- le.Run(ctx,
			func(ctx context.Context) {
				met.LeaderElection.Set(1)
				leadCtx, c := context.WithCancel(ctx)
				mu.Lock()
				leadCancel = c
				mu.Unlock()
				runControlLoops(leadCtx, cfg, downEngine, upEngine, consumer, logger)
			},
			func(ctx context.Context) {
				met.LeaderElection.Set(0)
				mu.Lock()
				if leadCancel != nil {
					leadCancel()
					leadCancel = nil
				}
				mu.Unlock()
			},
		)
	}()

	select {
	case <-sigCh:
		logger.Info("received shutdown signal")
		cancel()
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	logger.Info("shutdown complete")
	return nil
}

// runControlLoops drives the scale-down ticker and the job-queue consumer
// until ctx is cancelled.
func runControlLoops(
	ctx context.Context,
	cfg *config.Config,
	down *scaledown.Engine,
	up *scaleup.Engine,
	consumer *queue.Consumer,
	logger *slog.Logger,
) {
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		runScaleDown(ctx, cfg, down, logger)
	}()

	if cfg.AWS.JobQueueURL != "" {
		env, ok := cfg.Environment(cfg.ScaleUp.Environment)
		if !ok {
			logger.Error("scale-up environment not configured", "environment", cfg.ScaleUp.Environment)
		} else {
			wg.Add(1)
			go func() {
				defer wg.Done()
				handler := func(ctx context.Context, requests []scaleup.Request) []string {
					rejected, err := up.HandleBatch(ctx, env, requests)
					if err != nil {
						logger.Error("batch admission finished with errors", "error", err)
					}
					return rejected
				}
				if err := consumer.Run(ctx, handler); err != nil && ctx.Err() == nil {
					logger.Error("queue consumer stopped", "error", err)
				}
			}()
		}
	}

	wg.Wait()
}

func runScaleDown(ctx context.Context, cfg *config.Config, down *scaledown.Engine, logger *slog.Logger) {
	ticker := time.NewTicker(cfg.ScaleDown.CycleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, env := range cfg.Environments {
				if err := down.RunCycle(ctx, env); err != nil {
					logger.Error("cycle failed", "environment", env.Name, "error", err)
				}
			}
		}
	}
}

func setupLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	return slog.New(handler)
}
