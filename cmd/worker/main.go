package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/ignite/newsletter-queue/internal/app"
	"github.com/ignite/newsletter-queue/internal/config"
	"github.com/ignite/newsletter-queue/internal/dispatch"
	"github.com/ignite/newsletter-queue/internal/reconcile"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to the YAML config file")
	flag.Parse()

	log.Println("Starting newsletter queue worker...")

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	// Dispatch cycles refuse to claim while the provider is misconfigured;
	// webhooks and admin keep working.
	if err := cfg.Validate(); err != nil {
		log.Printf("WARNING: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.Open(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to initialize: %v", err)
	}
	defer a.Close()
	log.Println("Connected to database")

	scheduler := dispatch.NewScheduler(a.Runner, cfg.Dispatch.Interval())
	if err := scheduler.Start(); err != nil {
		log.Fatalf("Failed to start dispatch scheduler: %v", err)
	}

	var poller *reconcile.BouncePoller
	if cfg.Bounce.Enabled {
		poller = reconcile.NewBouncePoller(reconcile.IMAPDialer(cfg.Bounce), a.Reconciler,
			cfg.Bounce.PollInterval(), cfg.Bounce.MaxPerPoll)
		poller.Start()
	}

	var consumer *reconcile.SQSConsumer
	if cfg.SESEvents.Enabled {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.SESEvents.Region))
		if err != nil {
			log.Fatalf("Failed to load AWS config: %v", err)
		}
		consumer = reconcile.NewSQSConsumer(sqs.NewFromConfig(awsCfg), cfg.SESEvents.QueueURL, a.Reconciler,
			cfg.SESEvents.WaitTimeSeconds, cfg.SESEvents.MaxMessagesPerPoll)
		consumer.Start(ctx)
	}

	log.Println("Worker running...")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down worker...")
	cancel()
	if consumer != nil {
		consumer.Stop()
	}
	if poller != nil {
		poller.Stop()
	}
	scheduler.Stop()
	log.Println("Worker stopped")
}
