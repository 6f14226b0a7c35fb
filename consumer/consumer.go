package consumer

import (
	"context"
	"fmt"
	"time"

	"github.com/buddhike/changefeed/aws"
	"github.com/buddhike/changefeed/controller"
	"github.com/buddhike/changefeed/lease"
	"github.com/buddhike/changefeed/lease/boltstore"
	"github.com/buddhike/changefeed/lease/etcdstore"
	"github.com/buddhike/changefeed/lease/natsstore"
	"github.com/buddhike/changefeed/metrics"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// LeaseStore is a lease store that can report its health.
type LeaseStore interface {
	lease.Store
	Pinger
}

// Consumer processes the shards of a stream together with the other
// hosts sharing its lease store.
type Consumer struct {
	cfg                  *ConsumerConfig
	done                 chan struct{}
	stop                 chan struct{}
	store                LeaseStore
	controller           *controller.Controller
	balancer             *Balancer
	balancerStop         chan struct{}
	registry             *prometheus.Registry
	componentsDoneNotify map[string]<-chan struct{}
	closers              []func()
	logger               *zap.Logger
}

func NewConsumer(name, streamName string, processFn ProcessFn, opts ...func(*ConsumerConfig)) *Consumer {
	cfg := &ConsumerConfig{
		Name:                                name,
		HostName:                            fmt.Sprintf("%s-%s", name, uuid.NewString()),
		StreamName:                          streamName,
		ProcessFn:                           processFn,
		InitialPosition:                     InitialPositionTrimHorizon,
		Store:                               StoreEtcd,
		EtcdMemberID:                        1,
		EtcdListenPeerAddress:               "0.0.0.0",
		EtcdListenClientAddress:             "0.0.0.0",
		EtcdPeerUrls:                        "http://0.0.0.0:11001",
		EtcdClientUrls:                      "http://0.0.0.0:12001",
		EtcdStartTimeoutSeconds:             30,
		NatsUrl:                             nats.DefaultURL,
		BoltPath:                            fmt.Sprintf("%s.leases.db", name),
		StatusListenAddress:                 "0.0.0.0:13001",
		LeaseExpirationMilliseconds:         10000,
		LeaseRenewIntervalMilliseconds:      3000,
		LeaseAcquireIntervalMilliseconds:    5000,
		PollIntervalMilliseconds:            1000,
		CheckpointRetryIntervalMilliseconds: 1000,
		HealthcheckTimeoutMilliseconds:      1000,
		ShutdownTimeoutSeconds:              30,
		MaxRecordsPerRequest:                10000,
	}

	for _, opt := range opts {
		opt(cfg)
	}

	logger := cfg.logger
	if logger == nil {
		l, err := zap.NewProduction()
		if err != nil {
			panic(err)
		}
		logger = l
	}

	return &Consumer{
		cfg:                  cfg,
		done:                 make(chan struct{}),
		stop:                 make(chan struct{}),
		balancerStop:         make(chan struct{}),
		componentsDoneNotify: make(map[string]<-chan struct{}),
		logger:               logger.Named("consumer").With(zap.String("host", cfg.HostName)),
	}
}

// NewDevelopmentConsumer uses short timings and a single embedded etcd
// member.
func NewDevelopmentConsumer(name, streamName string, processFn ProcessFn, opts ...func(*ConsumerConfig)) *Consumer {
	allOpts := append([]func(*ConsumerConfig){
		WithEmbeddedEtcd(true),
		WithLeaseExpirationMilliseconds(3000),
		WithLeaseRenewIntervalMilliseconds(1000),
		WithLeaseAcquireIntervalMilliseconds(1000),
		WithHealthCheckTimeoutMilliseconds(500),
		WithEtcdStartTimeoutSeconds(10),
	}, opts...)
	return NewConsumer(name, streamName, processFn, allOpts...)
}

func (c *Consumer) Start() error {
	if err := c.cfg.Validate(); err != nil {
		return err
	}

	ctx := context.Background()
	kds := c.cfg.KinesisClient
	if kds == nil {
		client, err := aws.NewKinesis(ctx)
		if err != nil {
			return err
		}
		kds = client
	}

	store, err := c.openStore(ctx)
	if err != nil {
		c.closeAll()
		return err
	}
	c.store = store

	manager := lease.NewManager(store, c.cfg.HostName, c.cfg.LeaseExpiration(), c.logger)
	synchronizer := NewShardSynchronizer(c.cfg, kds, manager, c.logger)
	if err := synchronizer.CreateMissingLeases(ctx); err != nil {
		c.closeAll()
		return fmt.Errorf("bootstrap leases: %w", err)
	}

	c.registry = prometheus.NewRegistry()
	c.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.NewPrometheus(c.registry, c.cfg.MetricsNamespace)
	if err != nil {
		c.closeAll()
		return err
	}

	opts := []controller.Option{controller.WithMetrics(m)}
	if c.cfg.MaxConcurrentShards > 0 {
		opts = append(opts, controller.WithExecutor(controller.NewBoundedExecutor(c.cfg.MaxConcurrentShards)))
	}
	factory := NewShardProcessorFactory(c.cfg, kds, manager, c.logger)
	c.controller = controller.NewController(manager, manager, factory, synchronizer, c.logger, opts...)
	if err := c.controller.Initialize(ctx); err != nil {
		c.closeAll()
		return err
	}

	// the balancer stops first so the controller can be drained before the
	// remaining components go away
	c.balancer = NewBalancer(c.cfg, manager, c.controller, c.balancerStop, c.logger)
	c.balancer.Start()

	if c.cfg.StatusListenAddress != "" {
		status := NewStatusService(c.cfg, manager, c.controller, store, c.registry, c.stop, c.logger)
		status.Start()
		c.componentsDoneNotify["StatusService"] = status.Done()
	}

	c.logger.Info("consumer started", zap.String("stream", c.cfg.StreamName), zap.String("store", c.cfg.Store))
	return nil
}

func (c *Consumer) openStore(ctx context.Context) (LeaseStore, error) {
	switch c.cfg.Store {
	case StoreEtcd:
		if c.cfg.EmbeddedEtcd {
			etcdServer := NewEtcdServer(c.cfg, c.stop, c.logger)
			if err := etcdServer.Start(); err != nil {
				return nil, err
			}
			c.componentsDoneNotify["EtcdServer"] = etcdServer.Done()
		}
		cli, err := clientv3.New(clientv3.Config{
			Endpoints:   c.cfg.GetClientConnectionUrls(),
			DialTimeout: 5 * time.Second,
			Logger:      c.logger.Named("etcd-client"),
		})
		if err != nil {
			return nil, err
		}
		c.closers = append(c.closers, func() { cli.Close() })
		return etcdstore.New(cli, c.cfg.LeasePrefix()), nil

	case StoreNats:
		nc, err := nats.Connect(c.cfg.NatsUrl, nats.Name(c.cfg.HostName))
		if err != nil {
			return nil, err
		}
		c.closers = append(c.closers, nc.Close)
		js, err := jetstream.New(nc)
		if err != nil {
			return nil, err
		}
		return natsstore.Open(ctx, js, c.cfg.LeaseBucket())

	case StoreBolt:
		s, err := boltstore.Open(c.cfg.BoltPath)
		if err != nil {
			return nil, err
		}
		c.closers = append(c.closers, func() { s.Close() })
		return s, nil
	}
	return nil, fmt.Errorf("unknown lease store %q", c.cfg.Store)
}

// Stop drains the worker tasks of this host, releasing their leases, then
// stops the remaining components. It may be called after a failed Start.
func (c *Consumer) Stop() {
	close(c.balancerStop)
	if c.balancer != nil {
		<-c.balancer.Done()
	}

	if c.controller != nil {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ShutdownTimeout())
		if err := c.controller.ShutdownAndWait(ctx); err != nil {
			c.logger.Warn("worker tasks did not finish before shutdown timeout", zap.Error(err))
		}
		cancel()
	}

	close(c.stop)
	for k, v := range c.componentsDoneNotify {
		c.logger.Info("shutdown initiated", zap.String("component", k))
		<-v
		c.logger.Info("shutdown complete", zap.String("component", k))
	}
	c.closeAll()
	close(c.done)
}

func (c *Consumer) closeAll() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
	c.closers = nil
}

func (c *Consumer) Done() <-chan struct{} {
	return c.done
}

// OwnedLeaseTokens lists the shards currently processed by this host.
func (c *Consumer) OwnedLeaseTokens() []string {
	if c.controller == nil {
		return nil
	}
	return c.controller.OwnedLeaseTokens()
}
