package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/aws/aws-sdk-go-v2/service/kinesis/types"
	"github.com/buddhike/changefeed/consumer"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func main() {
	root := &cobra.Command{
		Use:          "changefeed",
		Short:        "Process the shards of a Kinesis stream across a group of hosts",
		SilenceUsage: true,
	}
	root.AddCommand(newRunCmd())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

type runParams struct {
	name         string
	stream       string
	store        string
	configFile   string
	position     string
	etcdURLs     string
	natsURL      string
	boltPath     string
	statusListen string
	dev          bool
}

func newRunCmd() *cobra.Command {
	var params runParams
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Start a consumer host",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, params)
		},
	}
	runCmd.Flags().StringVar(&params.name, "name", "changefeed", "consumer name shared by all hosts")
	runCmd.Flags().StringVar(&params.stream, "stream", "", "stream name")
	runCmd.Flags().StringVar(&params.store, "store", consumer.StoreEtcd, "lease store (etcd, nats or bolt)")
	runCmd.Flags().StringVar(&params.configFile, "config", "", "YAML file with consumer settings")
	runCmd.Flags().StringVar(&params.position, "initial-position", consumer.InitialPositionTrimHorizon, "where new shards start (TRIM_HORIZON or LATEST)")
	runCmd.Flags().StringVar(&params.etcdURLs, "etcd-client-urls", "", "comma separated etcd client urls")
	runCmd.Flags().StringVar(&params.natsURL, "nats-url", "", "NATS server url")
	runCmd.Flags().StringVar(&params.boltPath, "bolt-path", "", "bbolt database file")
	runCmd.Flags().StringVar(&params.statusListen, "status-listen-address", "", "address of the state, health and metrics endpoints")
	runCmd.Flags().BoolVar(&params.dev, "dev", false, "development mode with an embedded etcd member and short timings")
	runCmd.MarkFlagRequired("stream")
	return runCmd
}

func run(cmd *cobra.Command, params runParams) error {
	logger, err := newLogger(params.dev)
	if err != nil {
		return err
	}
	defer logger.Sync()

	opts := []func(*consumer.ConsumerConfig){consumer.WithLogger(logger)}
	if params.configFile != "" {
		opt, err := consumer.LoadConfigFile(params.configFile)
		if err != nil {
			return err
		}
		opts = append(opts, opt)
	}
	// flags set on the command line win over the config file
	flags := cmd.Flags()
	if flags.Changed("store") {
		opts = append(opts, consumer.WithStore(params.store))
	}
	if flags.Changed("initial-position") {
		opts = append(opts, consumer.WithInitialPosition(params.position))
	}
	if flags.Changed("etcd-client-urls") {
		opts = append(opts, consumer.WithEtcdClientUrls(params.etcdURLs))
	}
	if flags.Changed("nats-url") {
		opts = append(opts, consumer.WithNatsUrl(params.natsURL))
	}
	if flags.Changed("bolt-path") {
		opts = append(opts, consumer.WithBoltPath(params.boltPath))
	}
	if flags.Changed("status-listen-address") {
		opts = append(opts, consumer.WithStatusListenAddress(params.statusListen))
	}

	processFn := func(ctx context.Context, shardID string, records []types.Record) error {
		for _, r := range records {
			logger.Info("record received",
				zap.String("shard-id", shardID),
				zap.String("partition-key", *r.PartitionKey),
				zap.String("sequence-number", *r.SequenceNumber),
				zap.Int("size", len(r.Data)))
		}
		return nil
	}

	var c *consumer.Consumer
	if params.dev {
		c = consumer.NewDevelopmentConsumer(params.name, params.stream, processFn, opts...)
	} else {
		c = consumer.NewConsumer(params.name, params.stream, processFn, opts...)
	}

	if err := c.Start(); err != nil {
		c.Stop()
		return fmt.Errorf("start consumer: %w", err)
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		s := <-signals
		logger.Info("shutting down", zap.String("signal", s.String()))
		c.Stop()
	}()

	<-c.Done()
	return nil
}

func newLogger(dev bool) (*zap.Logger, error) {
	if dev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
