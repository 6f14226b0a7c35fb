package consumer

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/buddhike/changefeed/aws"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const (
	StoreEtcd = "etcd"
	StoreNats = "nats"
	StoreBolt = "bolt"
)

type ConsumerConfig struct {
	Name                                string      `yaml:"name"`
	HostName                            string      `yaml:"hostName"`
	StreamName                          string      `yaml:"streamName"`
	ProcessFn                           ProcessFn   `yaml:"-"`
	KinesisClient                       aws.Kinesis `yaml:"-"`
	InitialPosition                     string      `yaml:"initialPosition"`
	Store                               string      `yaml:"store"`
	EtcdClientUrls                      string      `yaml:"etcdClientUrls"`
	EtcdPeerUrls                        string      `yaml:"etcdPeerUrls"`
	EtcdListenClientAddress             string      `yaml:"etcdListenClientAddress"`
	EtcdListenPeerAddress               string      `yaml:"etcdListenPeerAddress"`
	EtcdMemberID                        int         `yaml:"etcdMemberId"`
	EmbeddedEtcd                        bool        `yaml:"embeddedEtcd"`
	EtcdStartTimeoutSeconds             int         `yaml:"etcdStartTimeoutSeconds"`
	NatsUrl                             string      `yaml:"natsUrl"`
	NatsBucket                          string      `yaml:"natsBucket"`
	BoltPath                            string      `yaml:"boltPath"`
	StatusListenAddress                 string      `yaml:"statusListenAddress"`
	LeaseExpirationMilliseconds         int         `yaml:"leaseExpirationMilliseconds"`
	LeaseRenewIntervalMilliseconds      int         `yaml:"leaseRenewIntervalMilliseconds"`
	LeaseAcquireIntervalMilliseconds    int         `yaml:"leaseAcquireIntervalMilliseconds"`
	PollIntervalMilliseconds            int         `yaml:"pollIntervalMilliseconds"`
	CheckpointRetryIntervalMilliseconds int         `yaml:"checkpointRetryIntervalMilliseconds"`
	HealthcheckTimeoutMilliseconds      int         `yaml:"healthcheckTimeoutMilliseconds"`
	ShutdownTimeoutSeconds              int         `yaml:"shutdownTimeoutSeconds"`
	MaxRecordsPerRequest                int32       `yaml:"maxRecordsPerRequest"`
	MaxLeasesPerHost                    int         `yaml:"maxLeasesPerHost"`
	MaxConcurrentShards                 int         `yaml:"maxConcurrentShards"`
	MetricsNamespace                    string      `yaml:"metricsNamespace"`
	logger                              *zap.Logger
}

func (cfg *ConsumerConfig) LeaseExpiration() time.Duration {
	return time.Millisecond * time.Duration(cfg.LeaseExpirationMilliseconds)
}

func (cfg *ConsumerConfig) LeaseRenewInterval() time.Duration {
	return time.Millisecond * time.Duration(cfg.LeaseRenewIntervalMilliseconds)
}

func (cfg *ConsumerConfig) LeaseAcquireInterval() time.Duration {
	return time.Millisecond * time.Duration(cfg.LeaseAcquireIntervalMilliseconds)
}

func (cfg *ConsumerConfig) PollInterval() time.Duration {
	return time.Millisecond * time.Duration(cfg.PollIntervalMilliseconds)
}

func (cfg *ConsumerConfig) CheckpointRetryInterval() time.Duration {
	return time.Millisecond * time.Duration(cfg.CheckpointRetryIntervalMilliseconds)
}

func (cfg *ConsumerConfig) HealthcheckTimeout() time.Duration {
	return time.Millisecond * time.Duration(cfg.HealthcheckTimeoutMilliseconds)
}

func (cfg *ConsumerConfig) ShutdownTimeout() time.Duration {
	return time.Second * time.Duration(cfg.ShutdownTimeoutSeconds)
}

func (cfg *ConsumerConfig) EtcdStartTimeout() time.Duration {
	return time.Second * time.Duration(cfg.EtcdStartTimeoutSeconds)
}

// LeasePrefix is the etcd key prefix holding the leases of this consumer.
func (cfg *ConsumerConfig) LeasePrefix() string {
	return fmt.Sprintf("/changefeed/%s/%s/leases/", cfg.Name, cfg.StreamName)
}

func (cfg *ConsumerConfig) LeaseBucket() string {
	if cfg.NatsBucket != "" {
		return cfg.NatsBucket
	}
	return fmt.Sprintf("changefeed-%s-%s", cfg.Name, cfg.StreamName)
}

func (cfg *ConsumerConfig) Validate() error {
	if cfg.StreamName == "" {
		return fmt.Errorf("stream name is required")
	}
	if cfg.ProcessFn == nil {
		return fmt.Errorf("process function is required")
	}
	switch cfg.Store {
	case StoreEtcd, StoreNats, StoreBolt:
	default:
		return fmt.Errorf("unknown lease store %q", cfg.Store)
	}
	switch cfg.InitialPosition {
	case InitialPositionLatest, InitialPositionTrimHorizon:
	default:
		return fmt.Errorf("unknown initial position %q", cfg.InitialPosition)
	}
	if cfg.MaxConcurrentShards > 0 && cfg.MaxLeasesPerHost > cfg.MaxConcurrentShards {
		return fmt.Errorf("max leases per host %d exceeds max concurrent shards %d", cfg.MaxLeasesPerHost, cfg.MaxConcurrentShards)
	}
	if cfg.LeaseRenewInterval() >= cfg.LeaseExpiration() {
		return fmt.Errorf("lease renew interval %s must be shorter than lease expiration %s", cfg.LeaseRenewInterval(), cfg.LeaseExpiration())
	}
	return nil
}

func (cfg *ConsumerConfig) GetClientConnectionUrls() []string {
	return strings.Split(cfg.EtcdClientUrls, ",")
}

func (cfg *ConsumerConfig) GetListenPeerUrls() ([]url.URL, error) {
	return cfg.listenUrl(cfg.EtcdPeerUrls, cfg.EtcdListenPeerAddress)
}

func (cfg *ConsumerConfig) GetAdvertisePeerUrls() ([]url.URL, error) {
	return cfg.memberUrl(cfg.EtcdPeerUrls)
}

func (cfg *ConsumerConfig) GetListenClientUrls() ([]url.URL, error) {
	return cfg.listenUrl(cfg.EtcdClientUrls, cfg.EtcdListenClientAddress)
}

func (cfg *ConsumerConfig) GetAdvertiseClientUrls() ([]url.URL, error) {
	return cfg.memberUrl(cfg.EtcdClientUrls)
}

func (cfg *ConsumerConfig) memberUrl(urls string) ([]url.URL, error) {
	all := strings.Split(urls, ",")
	if cfg.EtcdMemberID < 1 || cfg.EtcdMemberID > len(all) {
		return nil, fmt.Errorf("etcd member id %d is out of range for %q", cfg.EtcdMemberID, urls)
	}
	e, err := url.Parse(all[cfg.EtcdMemberID-1])
	if err != nil {
		return nil, err
	}
	return []url.URL{*e}, nil
}

func (cfg *ConsumerConfig) listenUrl(urls, address string) ([]url.URL, error) {
	advertised, err := cfg.memberUrl(urls)
	if err != nil {
		return nil, err
	}
	e := advertised[0]
	listen, err := url.Parse(fmt.Sprintf("%s://%s:%s", e.Scheme, address, e.Port()))
	if err != nil {
		return nil, err
	}
	return []url.URL{*listen}, nil
}

func (cfg *ConsumerConfig) GetInitialCluster() string {
	urls := make([]string, 0)
	peers := strings.Split(cfg.EtcdPeerUrls, ",")
	for i, p := range peers {
		urls = append(urls, fmt.Sprintf("%s-%d=%s", cfg.Name, i+1, p))
	}
	return strings.Join(urls, ",")
}

func (cfg *ConsumerConfig) GetEtcdPeerName() string {
	return fmt.Sprintf("%s-%d", cfg.Name, cfg.EtcdMemberID)
}

// LoadConfigFile returns an option applying the settings in a YAML file.
// Settings absent from the file keep their current values.
func LoadConfigFile(path string) (func(*ConsumerConfig), error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var probe ConsumerConfig
	if err := yaml.Unmarshal(buf, &probe); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return func(cfg *ConsumerConfig) {
		// decoding into the populated config only overwrites keys present
		// in the file
		_ = yaml.Unmarshal(buf, cfg)
	}, nil
}

func WithHostName(name string) func(*ConsumerConfig) {
	return func(cfg *ConsumerConfig) {
		cfg.HostName = name
	}
}

func WithInitialPosition(position string) func(*ConsumerConfig) {
	return func(cfg *ConsumerConfig) {
		cfg.InitialPosition = position
	}
}

func WithKinesisClient(kds aws.Kinesis) func(*ConsumerConfig) {
	return func(cfg *ConsumerConfig) {
		cfg.KinesisClient = kds
	}
}

func WithStore(store string) func(*ConsumerConfig) {
	return func(cfg *ConsumerConfig) {
		cfg.Store = store
	}
}

func WithEtcdClientUrls(urls string) func(*ConsumerConfig) {
	return func(cfg *ConsumerConfig) {
		cfg.EtcdClientUrls = urls
	}
}

func WithEtcdPeerUrls(urls string) func(*ConsumerConfig) {
	return func(cfg *ConsumerConfig) {
		cfg.EtcdPeerUrls = urls
	}
}

func WithEtcdListenClientAddress(addr string) func(*ConsumerConfig) {
	return func(cfg *ConsumerConfig) {
		cfg.EtcdListenClientAddress = addr
	}
}

func WithEtcdListenPeerAddress(addr string) func(*ConsumerConfig) {
	return func(cfg *ConsumerConfig) {
		cfg.EtcdListenPeerAddress = addr
	}
}

func WithEtcdMemberID(id int) func(*ConsumerConfig) {
	return func(cfg *ConsumerConfig) {
		cfg.EtcdMemberID = id
	}
}

func WithEmbeddedEtcd(embedded bool) func(*ConsumerConfig) {
	return func(cfg *ConsumerConfig) {
		cfg.EmbeddedEtcd = embedded
	}
}

func WithEtcdStartTimeoutSeconds(timeout int) func(*ConsumerConfig) {
	return func(cfg *ConsumerConfig) {
		cfg.EtcdStartTimeoutSeconds = timeout
	}
}

func WithNatsUrl(u string) func(*ConsumerConfig) {
	return func(cfg *ConsumerConfig) {
		cfg.NatsUrl = u
	}
}

func WithNatsBucket(bucket string) func(*ConsumerConfig) {
	return func(cfg *ConsumerConfig) {
		cfg.NatsBucket = bucket
	}
}

func WithBoltPath(path string) func(*ConsumerConfig) {
	return func(cfg *ConsumerConfig) {
		cfg.BoltPath = path
	}
}

func WithStatusListenAddress(addr string) func(*ConsumerConfig) {
	return func(cfg *ConsumerConfig) {
		cfg.StatusListenAddress = addr
	}
}

func WithLeaseExpirationMilliseconds(ms int) func(*ConsumerConfig) {
	return func(cfg *ConsumerConfig) {
		cfg.LeaseExpirationMilliseconds = ms
	}
}

func WithLeaseRenewIntervalMilliseconds(ms int) func(*ConsumerConfig) {
	return func(cfg *ConsumerConfig) {
		cfg.LeaseRenewIntervalMilliseconds = ms
	}
}

func WithLeaseAcquireIntervalMilliseconds(ms int) func(*ConsumerConfig) {
	return func(cfg *ConsumerConfig) {
		cfg.LeaseAcquireIntervalMilliseconds = ms
	}
}

func WithPollIntervalMilliseconds(ms int) func(*ConsumerConfig) {
	return func(cfg *ConsumerConfig) {
		cfg.PollIntervalMilliseconds = ms
	}
}

func WithCheckpointRetryIntervalMilliseconds(ms int) func(*ConsumerConfig) {
	return func(cfg *ConsumerConfig) {
		cfg.CheckpointRetryIntervalMilliseconds = ms
	}
}

func WithHealthCheckTimeoutMilliseconds(ms int) func(*ConsumerConfig) {
	return func(cfg *ConsumerConfig) {
		cfg.HealthcheckTimeoutMilliseconds = ms
	}
}

func WithShutdownTimeoutSeconds(seconds int) func(*ConsumerConfig) {
	return func(cfg *ConsumerConfig) {
		cfg.ShutdownTimeoutSeconds = seconds
	}
}

func WithMaxRecordsPerRequest(n int32) func(*ConsumerConfig) {
	return func(cfg *ConsumerConfig) {
		cfg.MaxRecordsPerRequest = n
	}
}

func WithMaxLeasesPerHost(n int) func(*ConsumerConfig) {
	return func(cfg *ConsumerConfig) {
		cfg.MaxLeasesPerHost = n
	}
}

func WithMaxConcurrentShards(n int) func(*ConsumerConfig) {
	return func(cfg *ConsumerConfig) {
		cfg.MaxConcurrentShards = n
	}
}

func WithMetricsNamespace(namespace string) func(*ConsumerConfig) {
	return func(cfg *ConsumerConfig) {
		cfg.MetricsNamespace = namespace
	}
}

func WithLogger(logger *zap.Logger) func(*ConsumerConfig) {
	return func(cfg *ConsumerConfig) {
		cfg.logger = logger
	}
}
