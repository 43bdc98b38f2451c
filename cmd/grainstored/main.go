// Package main is the entry point for the grainstored server.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/hashicorp/go-hclog"

	"grainstore/internal/config"
	"grainstore/internal/lifecycle"
	"grainstore/internal/record"
	"grainstore/internal/record/boltdb"
	"grainstore/internal/record/consul"
	"grainstore/internal/record/dynamo"
	"grainstore/internal/record/inmem"
	"grainstore/internal/record/postgres"
	"grainstore/internal/server"
)

const shutdownGrace = 10 * time.Second

func main() {
	configFile := flag.String("config", "", "path to TOML config file")
	listenAddr := flag.String("listen", "", "listen address (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}

	logger := hclog.New(&hclog.LoggerOptions{
		Name:  "grainstored",
		Level: hclog.LevelFromString(cfg.LogLevel),
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg)
	if err != nil {
		logger.Error("open record store", "backend", cfg.Storage.Backend, "error", err)
		os.Exit(1)
	}

	mgr := lifecycle.NewManager(logger)
	mgr.Register(cfg.Storage.Stage, &storeLifecycle{store: store})
	mgr.Register(cfg.Storage.Stage+1, server.New(cfg.ListenAddr, store, logger))

	if err := mgr.StartAll(ctx); err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}
	logger.Info("grainstored is up", "listen_addr", cfg.ListenAddr, "backend", cfg.Storage.Backend)

	<-ctx.Done()
	logger.Info("shutting down")

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := mgr.StopAll(stopCtx); err != nil {
		logger.Error("shutdown incomplete", "error", err)
		os.Exit(1)
	}
}

// openStore builds the record backend named by the configuration.
func openStore(ctx context.Context, cfg *config.Config) (record.Store, error) {
	switch cfg.Storage.Backend {
	case config.BackendInMem:
		return inmem.New(), nil

	case config.BackendBolt:
		return boltdb.Open(cfg.Storage.Bolt.Path)

	case config.BackendPostgres:
		pg := cfg.Storage.Postgres
		return postgres.Open(pg.ConnStr, pg.Schema, pg.Table)

	case config.BackendConsul:
		cc := cfg.Storage.Consul
		return consul.Open(consul.Config{
			Address:    cc.Address,
			Prefix:     cc.Prefix,
			Token:      cc.Token,
			Datacenter: cc.Datacenter,
		})

	case config.BackendDynamoDB:
		dc := cfg.Storage.DynamoDB
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(dc.Region))
		if err != nil {
			return nil, fmt.Errorf("load AWS config: %w", err)
		}
		client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
			if dc.Endpoint != "" {
				o.BaseEndpoint = aws.String(dc.Endpoint)
			}
		})
		st := dynamo.New(client, dc.Table)
		if err := st.EnsureTable(ctx); err != nil {
			return nil, fmt.Errorf("ensure table %q: %w", dc.Table, err)
		}
		return st, nil

	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

// storeLifecycle adapts a record backend to a lifecycle participant: probe
// connectivity on start, release resources on stop.
type storeLifecycle struct {
	store record.Store
}

func (p *storeLifecycle) Name() string { return "record-store" }

func (p *storeLifecycle) Start(ctx context.Context) error {
	if pinger, ok := p.store.(record.Pinger); ok {
		if err := pinger.Ping(ctx); err != nil {
			return fmt.Errorf("probe record store: %w", err)
		}
	}
	return nil
}

func (p *storeLifecycle) Stop(context.Context) error {
	return record.Close(p.store)
}
