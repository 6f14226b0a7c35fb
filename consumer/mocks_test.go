package consumer

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	"github.com/aws/aws-sdk-go-v2/service/kinesis/types"
	"github.com/buddhike/changefeed/lease"
	"github.com/buddhike/changefeed/lease/boltstore"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testExpiration = 10 * time.Second

type mockKinesis struct {
	mock.Mock
}

func (m *mockKinesis) GetRecords(ctx context.Context, input *kinesis.GetRecordsInput, optFns ...func(*kinesis.Options)) (*kinesis.GetRecordsOutput, error) {
	args := m.Called(ctx, input, optFns)
	out, _ := args.Get(0).(*kinesis.GetRecordsOutput)
	return out, args.Error(1)
}

func (m *mockKinesis) GetShardIterator(ctx context.Context, input *kinesis.GetShardIteratorInput, optFns ...func(*kinesis.Options)) (*kinesis.GetShardIteratorOutput, error) {
	args := m.Called(ctx, input, optFns)
	out, _ := args.Get(0).(*kinesis.GetShardIteratorOutput)
	return out, args.Error(1)
}

func (m *mockKinesis) ListShards(ctx context.Context, input *kinesis.ListShardsInput, optFns ...func(*kinesis.Options)) (*kinesis.ListShardsOutput, error) {
	args := m.Called(ctx, input, optFns)
	out, _ := args.Get(0).(*kinesis.ListShardsOutput)
	return out, args.Error(1)
}

type mockCheckpointer struct {
	mock.Mock
}

func (m *mockCheckpointer) Checkpoint(ctx context.Context, l *lease.Lease, continuationToken string) (*lease.Lease, error) {
	args := m.Called(ctx, l, continuationToken)
	out, _ := args.Get(0).(*lease.Lease)
	return out, args.Error(1)
}

func (m *mockCheckpointer) Renew(ctx context.Context, l *lease.Lease) (*lease.Lease, error) {
	args := m.Called(ctx, l)
	out, _ := args.Get(0).(*lease.Lease)
	return out, args.Error(1)
}

type mockController struct {
	mock.Mock
	mut   sync.Mutex
	taken []string
}

func (m *mockController) AddOrUpdateLease(ctx context.Context, l *lease.Lease) (*lease.Lease, error) {
	m.mut.Lock()
	m.taken = append(m.taken, l.LeaseToken)
	m.mut.Unlock()
	args := m.Called(ctx, l)
	out, _ := args.Get(0).(*lease.Lease)
	return out, args.Error(1)
}

// Taken lists the tokens passed to AddOrUpdateLease.
func (m *mockController) Taken() []string {
	m.mut.Lock()
	defer m.mut.Unlock()
	return append([]string(nil), m.taken...)
}

func newTestStore(t *testing.T) *boltstore.Store {
	store, err := boltstore.Open(filepath.Join(t.TempDir(), "leases.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestManager(store lease.Store, host string) *lease.Manager {
	return lease.NewManager(store, host, testExpiration, zap.NewNop())
}

// putLease stores a lease as it would be left by its owner.
func putLease(t *testing.T, store lease.Store, token, owner string, renewed time.Time) {
	_, err := store.Create(context.Background(), &lease.Lease{
		LeaseToken: token,
		Owner:      owner,
		Timestamp:  renewed,
		Properties: map[string]string{},
	})
	require.NoError(t, err)
}

func newTestConfig(opts ...func(*ConsumerConfig)) *ConsumerConfig {
	cfg := &ConsumerConfig{
		Name:                                "test",
		HostName:                            "host-a",
		StreamName:                          "stream",
		InitialPosition:                     InitialPositionTrimHorizon,
		Store:                               StoreBolt,
		LeaseExpirationMilliseconds:         int(testExpiration / time.Millisecond),
		LeaseRenewIntervalMilliseconds:      3600000,
		LeaseAcquireIntervalMilliseconds:    10,
		PollIntervalMilliseconds:            1,
		CheckpointRetryIntervalMilliseconds: 1,
		HealthcheckTimeoutMilliseconds:      1000,
		ShutdownTimeoutSeconds:              5,
		MaxRecordsPerRequest:                100,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

func openShard(id string, parents ...string) types.Shard {
	s := types.Shard{
		ShardId: aws.String(id),
		SequenceNumberRange: &types.SequenceNumberRange{
			StartingSequenceNumber: aws.String("0"),
		},
	}
	if len(parents) > 0 {
		s.ParentShardId = aws.String(parents[0])
	}
	if len(parents) > 1 {
		s.AdjacentParentShardId = aws.String(parents[1])
	}
	return s
}

func closedShard(id string, parents ...string) types.Shard {
	s := openShard(id, parents...)
	s.SequenceNumberRange.EndingSequenceNumber = aws.String("100")
	return s
}

func record(sequenceNumber string) types.Record {
	return types.Record{
		SequenceNumber: aws.String(sequenceNumber),
		PartitionKey:   aws.String("pk"),
		Data:           []byte(sequenceNumber),
	}
}
