package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/buddhike/changefeed/lease"
	"github.com/buddhike/changefeed/messages"
	"github.com/buddhike/changefeed/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Pinger checks that the lease store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// OwnedLeases lists the partitions with a worker task on this host.
type OwnedLeases interface {
	OwnedLeaseTokens() []string
}

// StatusService serves the state, health and metrics endpoints of a host.
type StatusService struct {
	cfg      *ConsumerConfig
	manager  *lease.Manager
	owned    OwnedLeases
	store    Pinger
	gatherer prometheus.Gatherer
	done     chan struct{}
	stop     chan struct{}
	logger   *zap.Logger
	clock    func() time.Time
}

func NewStatusService(cfg *ConsumerConfig, manager *lease.Manager, owned OwnedLeases, store Pinger, gatherer prometheus.Gatherer, stop chan struct{}, logger *zap.Logger) *StatusService {
	return &StatusService{
		cfg:      cfg,
		manager:  manager,
		owned:    owned,
		store:    store,
		gatherer: gatherer,
		done:     make(chan struct{}),
		stop:     stop,
		logger:   logger.Named("status-service"),
		clock:    time.Now,
	}
}

func (s *StatusService) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/state/", middleware.StateCriticalRoute(s.State, s.logger))
	mux.HandleFunc("/health/", s.Health)
	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	return mux
}

func (s *StatusService) Start() {
	server := &http.Server{
		Addr:    s.cfg.StatusListenAddress,
		Handler: s.Handler(),
	}

	go func() {
		<-s.stop
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout())
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			s.logger.Warn("failed to shutdown status server", zap.Error(err))
		}
	}()

	go func() {
		defer close(s.done)
		s.logger.Info("status server listening", zap.String("address", s.cfg.StatusListenAddress))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("status server failed", zap.Error(err))
		}
	}()
}

func (s *StatusService) Done() <-chan struct{} {
	return s.done
}

func (s *StatusService) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.HealthcheckTimeout())
	err := s.store.Ping(ctx)
	cancel()
	if err != nil {
		s.logger.Error("lease store healthcheck failed", zap.Error(err))
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(fmt.Sprintf("unhealthy-%s: %v", s.manager.Host(), err)))
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(fmt.Sprintf("healthy-%s", s.manager.Host())))
}

func (s *StatusService) State(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.HealthcheckTimeout())
	res, err := s.handleStateRequest(ctx)
	cancel()
	if err != nil {
		s.logger.Error("failed to list leases", zap.Error(err))
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	buf, err := json.Marshal(res)
	if err != nil {
		s.logger.Error("error when marshaling state response", zap.Error(err))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(buf)
}

func (s *StatusService) handleStateRequest(ctx context.Context) (*messages.StateResponse, error) {
	all, err := s.manager.List(ctx)
	if err != nil {
		return nil, err
	}

	now := s.clock()
	owned := s.owned.OwnedLeaseTokens()
	sort.Strings(owned)
	res := &messages.StateResponse{
		Host:        s.manager.Host(),
		OwnedLeases: owned,
		Leases:      make([]messages.LeaseState, 0, len(all)),
	}

	counts := make(map[string]int)
	for _, l := range all {
		expired := l.Expired(now, s.manager.Expiration())
		if !expired {
			counts[l.Owner]++
		}
		res.Leases = append(res.Leases, messages.LeaseState{
			LeaseToken:        l.LeaseToken,
			Owner:             l.Owner,
			ContinuationToken: l.ContinuationToken,
			LastRenewal:       l.Timestamp.Format(time.RFC3339Nano),
			Expired:           expired,
		})
	}
	sort.Slice(res.Leases, func(i, j int) bool {
		return res.Leases[i].LeaseToken < res.Leases[j].LeaseToken
	})

	for host, n := range counts {
		res.Hosts = append(res.Hosts, messages.HostState{Host: host, Leases: n})
	}
	sort.Slice(res.Hosts, func(i, j int) bool {
		return res.Hosts[i].Host < res.Hosts[j].Host
	})
	return res, nil
}
