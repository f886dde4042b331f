package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/chenzhangda16/shufflepipe/internal/shuffle/config"
	"github.com/chenzhangda16/shufflepipe/internal/shuffle/control"
	"github.com/chenzhangda16/shufflepipe/internal/shuffle/controller"
	"github.com/chenzhangda16/shufflepipe/internal/shuffle/device"
	"github.com/chenzhangda16/shufflepipe/internal/shuffle/events"
	"github.com/chenzhangda16/shufflepipe/internal/shuffle/ingest"
	"github.com/chenzhangda16/shufflepipe/internal/shuffle/memory"
	"github.com/chenzhangda16/shufflepipe/internal/shuffle/meta"
	"github.com/chenzhangda16/shufflepipe/internal/shuffle/storage"
	"github.com/chenzhangda16/shufflepipe/pkg/obs"
)

func main() {
	obs.Init("shuffle-worker")
	cfg := config.FromEnv()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 2)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	var dfs storage.Dfs
	if cfg.HdfsNamenode != "" {
		client, err := storage.NewHdfsClient(cfg.HdfsNamenode)
		if err != nil {
			log.WithError(err).Fatal("hdfs init failed")
		}
		defer client.Close()
		dfs = client
	}

	monitor := device.NewMonitor()
	tracker := memory.NewTracker(cfg.MemoryHighWater)

	manager, err := storage.NewManager(storage.ManagerOptions{
		LocalDirs: cfg.LocalDirs,
		DiskType:  cfg.DiskType,
		DfsDir:    cfg.DfsDir,
		Flusher: storage.FlusherOptions{
			Workers:       cfg.FlushWorkersPerDisk,
			QueueCapacity: cfg.FlushQueueCapacity,
			MaxBuffers:    cfg.FlushBuffersPerDisk,
		},
	}, dfs, monitor, tracker)
	if err != nil {
		log.WithError(err).Fatal("storage init failed")
	}
	defer manager.Close()

	registry, err := meta.OpenRegistry(cfg.RegistryPath)
	if err != nil {
		log.WithError(err).Fatal("registry init failed")
	}
	defer registry.Close()

	sink, err := events.NewKafkaSink(cfg.KafkaBrokers, cfg.EventsTopic)
	if err != nil {
		log.WithError(err).Fatal("events sink init failed")
	}
	defer func() { _ = sink.Close() }()

	ctrl := controller.New(controller.Options{
		CommitTimeout:              cfg.CommitTimeout,
		MinPartitionSizeToEstimate: cfg.MinPartitionSizeToEstimate,
	}, manager, registry, sink)

	writerDefaults := storage.WriterOptions{
		FlushBufferSize: cfg.FlushBufferSize,
		ChunkSize:       cfg.ChunkSize,
		CloseTimeout:    cfg.WriterCloseTimeout,
		SplitThreshold:  cfg.SplitThreshold,
		RangeReadFilter: cfg.RangeReadFilter,
	}
	if cfg.SplitMode == "hard" {
		writerDefaults.SplitMode = storage.HardSplit
	}

	consumer, err := ingest.NewConsumer(cfg.KafkaBrokers, cfg.PushGroup, cfg.PushTopic, ctrl)
	if err != nil {
		log.WithError(err).Fatal("push consumer init failed")
	}
	defer func() { _ = consumer.Close() }()

	server := control.NewServer(cfg.AmqpURL, cfg.ControlQueue, ctrl, writerDefaults)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return consumer.Run(gctx) })
	g.Go(func() error { return server.Run(gctx) })

	log.WithFields(log.Fields{
		"dirs":  cfg.LocalDirs,
		"push":  cfg.PushTopic,
		"queue": cfg.ControlQueue,
	}).Info("shuffle worker running")

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		log.WithError(err).Fatal("worker exited")
	}
	log.Info("shuffle worker stopped")
}
