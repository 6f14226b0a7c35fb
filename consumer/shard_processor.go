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

const (
	InitialPositionLatest      = "LATEST"
	InitialPositionTrimHorizon = "TRIM_HORIZON"
)

// ProcessFn handles a batch of records read from one shard. Returning an
// error stops processing of the shard and releases its lease.
type ProcessFn func(ctx context.Context, shardID string, records []types.Record) error

// Checkpointer persists progress and keeps a lease alive.
type Checkpointer interface {
	Checkpoint(ctx context.Context, l *lease.Lease, continuationToken string) (*lease.Lease, error)
	Renew(ctx context.Context, l *lease.Lease) (*lease.Lease, error)
}

// ShardProcessor reads one shard from the position stored in its lease
// until the shard is closed, the lease is lost or it is cancelled.
type ShardProcessor struct {
	cfg    *ConsumerConfig
	lease  *lease.Lease
	kds    aws.Kinesis
	leases Checkpointer
	logger *zap.Logger
	timer  func(time.Duration) <-chan time.Time
}

var _ controller.Supervisor = (*ShardProcessor)(nil)

func NewShardProcessor(cfg *ConsumerConfig, l *lease.Lease, kds aws.Kinesis, leases Checkpointer, logger *zap.Logger) *ShardProcessor {
	return &ShardProcessor{
		cfg:    cfg,
		lease:  l,
		kds:    kds,
		leases: leases,
		logger: logger.Named("shard-processor").With(zap.String("shard-id", l.LeaseToken)),
		timer:  time.After,
	}
}

func (p *ShardProcessor) Run(token controller.Token) controller.Outcome {
	ctx, cancel := context.WithCancel(token.Context())
	defer cancel()

	// the task may have waited for a free slot since the lease was acquired
	if _, err := p.leases.Renew(ctx, p.lease); errors.Is(err, lease.ErrLeaseLost) {
		p.logger.Info("lease lost before processing started")
		return p.stopped(token, err)
	} else if err != nil {
		p.logger.Warn("failed to renew lease", zap.Error(err))
	}

	lost := make(chan error, 1)
	go p.renew(ctx, lost)

	sequenceNumber := p.lease.ContinuationToken
	iterator, err := p.shardIterator(ctx, sequenceNumber)
	if err != nil {
		return p.stopped(token, err)
	}

	for {
		out, err := p.kds.GetRecords(ctx, &kinesis.GetRecordsInput{
			ShardIterator: iterator,
			Limit:         &p.cfg.MaxRecordsPerRequest,
		})
		var expired *types.ExpiredIteratorException
		var throttled *types.ProvisionedThroughputExceededException
		switch {
		case errors.As(err, &expired):
			p.logger.Info("shard iterator expired", zap.String("sequence-number", sequenceNumber))
			iterator, err = p.shardIterator(ctx, sequenceNumber)
			if err != nil {
				return p.stopped(token, err)
			}
			continue
		case errors.As(err, &throttled):
			p.logger.Debug("read throughput exceeded")
		case err != nil:
			return p.stopped(token, err)
		default:
			if len(out.Records) > 0 {
				if err := p.cfg.ProcessFn(ctx, p.lease.LeaseToken, out.Records); err != nil {
					return p.stopped(token, fmt.Errorf("process records: %w", err))
				}
				last := *out.Records[len(out.Records)-1].SequenceNumber
				if err := p.checkpoint(ctx, token, last); err != nil {
					return p.stopped(token, err)
				}
				sequenceNumber = last
			}

			if out.NextShardIterator == nil {
				p.logger.Info("shard closed", zap.String("sequence-number", sequenceNumber))
				return controller.Split(sequenceNumber)
			}
			iterator = out.NextShardIterator
		}

		select {
		case <-token.Done():
			return controller.Cancelled()
		case err := <-lost:
			return controller.Failed(err)
		case <-p.timer(p.cfg.PollInterval()):
		}
	}
}

func (p *ShardProcessor) shardIterator(ctx context.Context, sequenceNumber string) (*string, error) {
	input := &kinesis.GetShardIteratorInput{
		StreamName: &p.cfg.StreamName,
		ShardId:    &p.lease.LeaseToken,
	}
	switch sequenceNumber {
	case lease.ContinuationLatest:
		input.ShardIteratorType = types.ShardIteratorTypeLatest
	case lease.ContinuationTrimHorizon:
		input.ShardIteratorType = types.ShardIteratorTypeTrimHorizon
	default:
		input.ShardIteratorType = types.ShardIteratorTypeAfterSequenceNumber
		input.StartingSequenceNumber = &sequenceNumber
	}

	out, err := p.kds.GetShardIterator(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("get shard iterator: %w", err)
	}
	return out.ShardIterator, nil
}

// checkpoint retries until the checkpoint is stored, the lease is lost or
// the token is cancelled.
func (p *ShardProcessor) checkpoint(ctx context.Context, token controller.Token, sequenceNumber string) error {
	for {
		_, err := p.leases.Checkpoint(ctx, p.lease, sequenceNumber)
		if err == nil {
			p.logger.Debug("checkpoint completed", zap.String("sequence-number", sequenceNumber))
			return nil
		}
		if errors.Is(err, lease.ErrLeaseLost) {
			return err
		}

		p.logger.Error("checkpoint failed", zap.Error(err))
		select {
		case <-token.Done():
			return token.Context().Err()
		case <-p.timer(p.cfg.CheckpointRetryInterval()):
		}
	}
}

func (p *ShardProcessor) renew(ctx context.Context, lost chan<- error) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.timer(p.cfg.LeaseRenewInterval()):
		}

		_, err := p.leases.Renew(ctx, p.lease)
		if errors.Is(err, lease.ErrLeaseLost) {
			p.logger.Info("lease lost")
			lost <- err
			return
		}
		if err != nil && ctx.Err() == nil {
			p.logger.Warn("failed to renew lease", zap.Error(err))
		}
	}
}

func (p *ShardProcessor) stopped(token controller.Token, err error) controller.Outcome {
	if token.IsCancelled() {
		return controller.Cancelled()
	}
	return controller.Failed(err)
}

// ShardProcessorFactory creates a ShardProcessor per acquired lease.
type ShardProcessorFactory struct {
	cfg    *ConsumerConfig
	kds    aws.Kinesis
	leases Checkpointer
	logger *zap.Logger
}

var _ controller.SupervisorFactory = (*ShardProcessorFactory)(nil)

func NewShardProcessorFactory(cfg *ConsumerConfig, kds aws.Kinesis, leases Checkpointer, logger *zap.Logger) *ShardProcessorFactory {
	return &ShardProcessorFactory{
		cfg:    cfg,
		kds:    kds,
		leases: leases,
		logger: logger,
	}
}

func (f *ShardProcessorFactory) Create(l *lease.Lease) controller.Supervisor {
	return NewShardProcessor(f.cfg, l, f.kds, f.leases, f.logger)
}
