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
	"github.com/buddhike/changefeed/lease/boltstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestConsumerProcessesShardAndReleasesLeaseOnStop(t *testing.T) {
	kds := &mockKinesis{}
	kds.On("ListShards", mock.Anything, mock.Anything, mock.Anything).Return(&kinesis.ListShardsOutput{
		Shards: []types.Shard{openShard("s0")},
	}, nil)
	kds.On("GetShardIterator", mock.Anything, mock.Anything, mock.Anything).Return(&kinesis.GetShardIteratorOutput{ShardIterator: aws.String("it-1")}, nil)
	kds.On("GetRecords", mock.Anything, mock.Anything, mock.Anything).Return(&kinesis.GetRecordsOutput{
		Records:           []types.Record{record("1"), record("2")},
		NextShardIterator: aws.String("it-2"),
	}, nil).Once()
	kds.On("GetRecords", mock.Anything, mock.Anything, mock.Anything).Return(&kinesis.GetRecordsOutput{NextShardIterator: aws.String("it-2")}, nil)

	var mut sync.Mutex
	var received []string
	processFn := func(ctx context.Context, shardID string, records []types.Record) error {
		mut.Lock()
		defer mut.Unlock()
		for _, r := range records {
			received = append(received, shardID+"/"+*r.SequenceNumber)
		}
		return nil
	}

	path := filepath.Join(t.TempDir(), "leases.db")
	c := NewConsumer("orders", "stream", processFn,
		WithLogger(zap.NewNop()),
		WithKinesisClient(kds),
		WithStore(StoreBolt),
		WithBoltPath(path),
		WithStatusListenAddress(""),
		WithLeaseAcquireIntervalMilliseconds(10),
		WithPollIntervalMilliseconds(5),
	)

	require.NoError(t, c.Start())
	assert.Eventually(t, func() bool {
		mut.Lock()
		defer mut.Unlock()
		return len(received) == 2
	}, 5*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		l, err := c.store.Get(context.Background(), "s0")
		return err == nil && l.ContinuationToken == "2"
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"s0"}, c.OwnedLeaseTokens())

	c.Stop()
	<-c.Done()

	store, err := boltstore.Open(path)
	require.NoError(t, err)
	defer store.Close()
	l, err := store.Get(context.Background(), "s0")
	require.NoError(t, err)
	assert.Empty(t, l.Owner)
	assert.Equal(t, "2", l.ContinuationToken)
	assert.Equal(t, []string{"s0/1", "s0/2"}, received)
}

func TestConsumerOwnsNoMoreShardsThanItCanRun(t *testing.T) {
	kds := &mockKinesis{}
	kds.On("ListShards", mock.Anything, mock.Anything, mock.Anything).Return(&kinesis.ListShardsOutput{
		Shards: []types.Shard{openShard("s0"), openShard("s1"), openShard("s2")},
	}, nil)
	kds.On("GetShardIterator", mock.Anything, mock.Anything, mock.Anything).Return(&kinesis.GetShardIteratorOutput{ShardIterator: aws.String("it-1")}, nil)
	kds.On("GetRecords", mock.Anything, mock.Anything, mock.Anything).Return(&kinesis.GetRecordsOutput{NextShardIterator: aws.String("it-1")}, nil)

	c := NewConsumer("orders", "stream", nopProcessFn,
		WithLogger(zap.NewNop()),
		WithKinesisClient(kds),
		WithStore(StoreBolt),
		WithBoltPath(filepath.Join(t.TempDir(), "leases.db")),
		WithStatusListenAddress(""),
		WithLeaseAcquireIntervalMilliseconds(10),
		WithPollIntervalMilliseconds(5),
		WithMaxConcurrentShards(1),
	)
	require.NoError(t, c.Start())
	defer func() {
		c.Stop()
		<-c.Done()
	}()

	assert.Eventually(t, func() bool { return len(c.OwnedLeaseTokens()) == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Never(t, func() bool { return len(c.OwnedLeaseTokens()) > 1 }, 200*time.Millisecond, 10*time.Millisecond)

	leases, err := c.store.List(context.Background())
	require.NoError(t, err)
	owned := 0
	for _, l := range leases {
		if l.Owner == c.cfg.HostName {
			owned++
		}
	}
	assert.Equal(t, 1, owned)
}

func TestConsumerStartFailsWithInvalidConfig(t *testing.T) {
	c := NewConsumer("orders", "", nopProcessFn, WithLogger(zap.NewNop()), WithKinesisClient(&mockKinesis{}))

	assert.Error(t, c.Start())
}
