package consumer

import (
	"container/heap"
	"context"
	"math/rand/v2"
	"time"

	"github.com/buddhike/changefeed/lease"
	"go.uber.org/zap"
)

// LeaseController is the part of the partition controller driven by the
// balancer.
type LeaseController interface {
	AddOrUpdateLease(ctx context.Context, l *lease.Lease) (*lease.Lease, error)
}

// Balancer spreads leases evenly across the hosts of a consumer. Each
// round it takes available leases up to its share, or steals one lease
// from the most loaded host when nothing is available.
type Balancer struct {
	cfg        *ConsumerConfig
	manager    *lease.Manager
	controller LeaseController
	done       chan struct{}
	stop       chan struct{}
	logger     *zap.Logger
	clock      func() time.Time
	timer      func(time.Duration) <-chan time.Time
	shuffle    func(n int, swap func(i, j int))
}

func NewBalancer(cfg *ConsumerConfig, manager *lease.Manager, controller LeaseController, stop chan struct{}, logger *zap.Logger) *Balancer {
	return &Balancer{
		cfg:        cfg,
		manager:    manager,
		controller: controller,
		done:       make(chan struct{}),
		stop:       stop,
		logger:     logger.Named("balancer").With(zap.String("host", manager.Host())),
		clock:      time.Now,
		timer:      time.After,
		shuffle:    rand.Shuffle,
	}
}

func (b *Balancer) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-b.stop
		cancel()
	}()

	go func() {
		defer close(b.done)
		for {
			if err := b.balanceOnce(ctx); err != nil && ctx.Err() == nil {
				b.logger.Warn("failed to balance leases", zap.Error(err))
			}

			select {
			case <-b.stop:
				return
			case <-b.timer(b.cfg.LeaseAcquireInterval()):
			}
		}
	}()
}

func (b *Balancer) Done() <-chan struct{} {
	return b.done
}

func (b *Balancer) balanceOnce(ctx context.Context) error {
	all, err := b.manager.List(ctx)
	if err != nil {
		return err
	}

	now := b.clock()
	host := b.manager.Host()
	var available []*lease.Lease
	owned := make(map[string][]*lease.Lease)
	for _, l := range all {
		if l.Expired(now, b.manager.Expiration()) {
			available = append(available, l)
			continue
		}
		owned[l.Owner] = append(owned[l.Owner], l)
	}

	hosts := len(owned)
	if _, ok := owned[host]; !ok {
		hosts++
	}
	target := b.target(len(all), hosts)
	needed := target - len(owned[host])
	if needed <= 0 {
		return nil
	}

	var take []*lease.Lease
	if len(available) > 0 {
		b.shuffle(len(available), func(i, j int) {
			available[i], available[j] = available[j], available[i]
		})
		take = available[:min(needed, len(available))]
	} else if l := b.steal(owned, host, target, needed); l != nil {
		take = []*lease.Lease{l}
	}

	for _, l := range take {
		if _, err := b.controller.AddOrUpdateLease(ctx, l); err != nil {
			b.logger.Info("failed to take lease",
				zap.String("lease-token", l.LeaseToken),
				zap.String("owner", l.Owner),
				zap.Error(err))
			continue
		}
		b.logger.Debug("lease taken", zap.String("lease-token", l.LeaseToken), zap.String("previous-owner", l.Owner))
	}
	return nil
}

func (b *Balancer) target(leases, hosts int) int {
	target := 1
	if leases > hosts {
		target = (leases + hosts - 1) / hosts
	}
	if b.cfg.MaxLeasesPerHost > 0 && target > b.cfg.MaxLeasesPerHost {
		target = b.cfg.MaxLeasesPerHost
	}
	// leases waiting for an executor slot would not be renewed
	if b.cfg.MaxConcurrentShards > 0 && target > b.cfg.MaxConcurrentShards {
		target = b.cfg.MaxConcurrentShards
	}
	return target
}

// steal picks one lease of the most loaded host. A host at the target is
// only stolen from when this host is more than one lease short.
func (b *Balancer) steal(owned map[string][]*lease.Lease, host string, target, needed int) *lease.Lease {
	loads := &ownerLoads{}
	for owner, leases := range owned {
		if owner != host {
			heap.Push(loads, ownerLoad{owner: owner, count: len(leases)})
		}
	}
	if loads.Len() == 0 {
		return nil
	}

	top := heap.Pop(loads).(ownerLoad)
	threshold := target
	if needed > 1 {
		threshold = target - 1
	}
	if top.count <= threshold {
		return nil
	}

	leases := owned[top.owner]
	l := leases[rand.IntN(len(leases))]
	b.logger.Info("stealing lease",
		zap.String("lease-token", l.LeaseToken),
		zap.String("owner", top.owner),
		zap.Int("owner-leases", top.count),
		zap.Int("target", target))
	return l
}

type ownerLoad struct {
	owner string
	count int
}

// ownerLoads is a max-heap of hosts by lease count.
type ownerLoads []ownerLoad

func (h ownerLoads) Len() int { return len(h) }

func (h ownerLoads) Less(i, j int) bool {
	if h[i].count == h[j].count {
		return h[i].owner < h[j].owner
	}
	return h[i].count > h[j].count
}

func (h ownerLoads) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *ownerLoads) Push(x any) {
	*h = append(*h, x.(ownerLoad))
}

func (h *ownerLoads) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
