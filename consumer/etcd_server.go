package consumer

import (
	"fmt"
	"time"

	etcdembed "go.etcd.io/etcd/server/v3/embed"
	"go.uber.org/zap"
)

const etcdStopTimeout = 60 * time.Second

// EtcdServer runs an etcd member inside the consumer process so that a
// small cluster of hosts can share leases without external
// infrastructure.
type EtcdServer struct {
	cfg    *ConsumerConfig
	done   chan struct{}
	stop   chan struct{}
	logger *zap.Logger
}

func NewEtcdServer(cfg *ConsumerConfig, stop chan struct{}, logger *zap.Logger) *EtcdServer {
	return &EtcdServer{
		cfg:    cfg,
		done:   make(chan struct{}),
		stop:   stop,
		logger: logger.Named("etcd-server").With(zap.String("member", cfg.GetEtcdPeerName())),
	}
}

// Start returns once the member is ready to serve clients.
func (s *EtcdServer) Start() error {
	listenClientUrls, err := s.cfg.GetListenClientUrls()
	if err != nil {
		return err
	}

	advertiseClientUrls, err := s.cfg.GetAdvertiseClientUrls()
	if err != nil {
		return err
	}

	listenPeerUrls, err := s.cfg.GetListenPeerUrls()
	if err != nil {
		return err
	}

	advertisePeerUrls, err := s.cfg.GetAdvertisePeerUrls()
	if err != nil {
		return err
	}

	cfg := etcdembed.NewConfig()
	cfg.Name = s.cfg.GetEtcdPeerName()
	cfg.Dir = fmt.Sprintf("%s.etcd", cfg.Name)
	cfg.Logger = "zap"
	cfg.ZapLoggerBuilder = etcdembed.NewZapLoggerBuilder(s.logger)
	cfg.ListenClientUrls = listenClientUrls
	cfg.AdvertiseClientUrls = advertiseClientUrls
	cfg.ListenPeerUrls = listenPeerUrls
	cfg.AdvertisePeerUrls = advertisePeerUrls
	cfg.InitialCluster = s.cfg.GetInitialCluster()

	e, err := etcdembed.StartEtcd(cfg)
	if err != nil {
		return err
	}

	select {
	case <-e.Server.ReadyNotify():
		s.logger.Info("embedded etcd server is ready")
	case <-time.After(s.cfg.EtcdStartTimeout()):
		e.Close()
		return fmt.Errorf("embedded etcd server did not start within %s", s.cfg.EtcdStartTimeout())
	}

	go func() {
		defer close(s.done)
		<-s.stop
		e.Server.Stop()

		select {
		case <-e.Server.StopNotify():
			s.logger.Info("embedded etcd server stopped")
		case <-time.After(etcdStopTimeout):
			s.logger.Warn("embedded etcd server took too long to stop")
		}
		e.Close()
	}()

	return nil
}

func (s *EtcdServer) Done() <-chan struct{} {
	return s.done
}
