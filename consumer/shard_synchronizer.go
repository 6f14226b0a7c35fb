package consumer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	"github.com/aws/aws-sdk-go-v2/service/kinesis/types"
	"github.com/buddhike/changefeed/aws"
	"github.com/buddhike/changefeed/controller"
	"github.com/buddhike/changefeed/lease"
	"go.uber.org/zap"
)

// ErrChildrenNotFound is returned when a closed shard has no visible
// children yet.
var ErrChildrenNotFound = errors.New("child shards not found")

// ShardSynchronizer keeps the lease set in line with the shards of a
// stream.
type ShardSynchronizer struct {
	cfg     *ConsumerConfig
	kds     aws.Kinesis
	manager *lease.Manager
	logger  *zap.Logger
	clock   func() time.Time
}

var _ controller.Synchronizer = (*ShardSynchronizer)(nil)

func NewShardSynchronizer(cfg *ConsumerConfig, kds aws.Kinesis, manager *lease.Manager, logger *zap.Logger) *ShardSynchronizer {
	return &ShardSynchronizer{
		cfg:     cfg,
		kds:     kds,
		manager: manager,
		logger:  logger.Named("shard-synchronizer").With(zap.String("stream", cfg.StreamName)),
		clock:   time.Now,
	}
}

// SplitPartition returns the leases of the shards that replaced parent.
// Children created by a merge that are already held by another live host
// are left out.
func (s *ShardSynchronizer) SplitPartition(ctx context.Context, parent *lease.Lease) ([]*lease.Lease, error) {
	shards, err := s.listShards(ctx)
	if err != nil {
		return nil, err
	}

	var children []*lease.Lease
	found := false
	for _, shard := range shards {
		if !isChildOf(shard, parent.LeaseToken) {
			continue
		}
		found = true
		child, err := s.manager.CreateIfNotExists(ctx, *shard.ShardId, lease.ContinuationTrimHorizon)
		if err != nil {
			return nil, err
		}
		if child.Owner != "" && child.Owner != s.manager.Host() && !child.Expired(s.clock(), s.manager.Expiration()) {
			s.logger.Info("child shard is owned by another host",
				zap.String("shard-id", child.LeaseToken),
				zap.String("owner", child.Owner))
			continue
		}
		children = append(children, child)
	}

	if !found {
		return nil, fmt.Errorf("split %s: %w", parent.LeaseToken, ErrChildrenNotFound)
	}
	return children, nil
}

// CreateMissingLeases creates the leases a new consumer starts from. With
// TRIM_HORIZON these are the oldest shards not yet processed, with LATEST
// the open shards.
func (s *ShardSynchronizer) CreateMissingLeases(ctx context.Context) error {
	shards, err := s.listShards(ctx)
	if err != nil {
		return err
	}
	leases, err := s.manager.List(ctx)
	if err != nil {
		return err
	}

	leased := make(map[string]bool, len(leases))
	for _, l := range leases {
		leased[l.LeaseToken] = true
	}
	known := make(map[string]bool, len(shards))
	children := make(map[string][]string)
	for _, shard := range shards {
		known[*shard.ShardId] = true
		for _, p := range parents(shard) {
			children[p] = append(children[p], *shard.ShardId)
		}
	}

	var descendantLeased func(id string) bool
	descendantLeased = func(id string) bool {
		for _, c := range children[id] {
			if leased[c] || descendantLeased(c) {
				return true
			}
		}
		return false
	}

	created := 0
	for _, shard := range shards {
		id := *shard.ShardId
		if leased[id] {
			continue
		}

		continuation := lease.ContinuationTrimHorizon
		switch s.cfg.InitialPosition {
		case InitialPositionLatest:
			if shard.SequenceNumberRange != nil && shard.SequenceNumberRange.EndingSequenceNumber != nil {
				continue
			}
			if anyLeased(parents(shard), leased) {
				continue
			}
			continuation = lease.ContinuationLatest
		default:
			if anyLeased(parents(shard), known) || descendantLeased(id) {
				continue
			}
		}

		if _, err := s.manager.CreateIfNotExists(ctx, id, continuation); err != nil {
			return err
		}
		created++
	}

	s.logger.Info("lease bootstrap completed", zap.Int("shards", len(shards)), zap.Int("created", created))
	return nil
}

func (s *ShardSynchronizer) listShards(ctx context.Context) ([]types.Shard, error) {
	var shards []types.Shard
	input := &kinesis.ListShardsInput{StreamName: &s.cfg.StreamName}
	for {
		out, err := s.kds.ListShards(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("list shards: %w", err)
		}
		shards = append(shards, out.Shards...)
		if out.NextToken == nil {
			return shards, nil
		}
		// continuation requests carry the token only
		input = &kinesis.ListShardsInput{NextToken: out.NextToken}
	}
}

func parents(shard types.Shard) []string {
	var r []string
	if shard.ParentShardId != nil {
		r = append(r, *shard.ParentShardId)
	}
	if shard.AdjacentParentShardId != nil {
		r = append(r, *shard.AdjacentParentShardId)
	}
	return r
}

func isChildOf(shard types.Shard, parent string) bool {
	for _, p := range parents(shard) {
		if p == parent {
			return true
		}
	}
	return false
}

func anyLeased(ids []string, set map[string]bool) bool {
	for _, id := range ids {
		if set[id] {
			return true
		}
	}
	return false
}
