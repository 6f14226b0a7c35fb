package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/aws/aws-sdk-go-v2/service/kinesis/types"
	"github.com/buddhike/changefeed/consumer"
)

var (
	streamName     string
	memberID       int
	etcdPeerUrls   string
	etcdClientUrls string
	statusAddress  string
)

func init() {
	flag.StringVar(&streamName, "stream-name", "", "stream name")
	flag.IntVar(&memberID, "member-id", 1, "position of this host in the peer url list")
	flag.StringVar(&etcdPeerUrls, "etcd-peer-urls", "http://localhost:11001,http://localhost:11002,http://localhost:11003", "etcd peer urls")
	flag.StringVar(&etcdClientUrls, "etcd-client-urls", "http://localhost:12001,http://localhost:12002,http://localhost:12003", "etcd client urls")
	flag.StringVar(&statusAddress, "status-listen-address", "localhost:13001", "status server address")
}

// Each host runs one member of an embedded etcd cluster and shares the
// shards of the stream with the other hosts.
func main() {
	flag.Parse()

	processFn := func(ctx context.Context, shardID string, records []types.Record) error {
		for _, r := range records {
			fmt.Printf("%s: processing record %s\n", shardID, *r.PartitionKey)
		}
		return nil
	}

	c := consumer.NewConsumer("my-consumer", streamName, processFn,
		consumer.WithEmbeddedEtcd(true),
		consumer.WithEtcdMemberID(memberID),
		consumer.WithEtcdPeerUrls(etcdPeerUrls),
		consumer.WithEtcdClientUrls(etcdClientUrls),
		consumer.WithEtcdListenPeerAddress("localhost"),
		consumer.WithEtcdListenClientAddress("localhost"),
		consumer.WithStatusListenAddress(statusAddress),
	)

	err := c.Start()
	if err != nil {
		c.Stop()
		fmt.Println(err)
		os.Exit(1)
	}

	notifyChan := make(chan os.Signal, 1)
	signal.Notify(notifyChan, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-notifyChan
		c.Stop()
	}()

	<-c.Done()
}
