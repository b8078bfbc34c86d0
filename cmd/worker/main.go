package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/snappy-loop/storybook/internal/config"
	"github.com/snappy-loop/storybook/internal/export"
	"github.com/snappy-loop/storybook/internal/kafka"
	"github.com/snappy-loop/storybook/internal/llm"
	"github.com/snappy-loop/storybook/internal/pipeline"
	"github.com/snappy-loop/storybook/internal/processor"
	"github.com/snappy-loop/storybook/internal/storage"
	"github.com/snappy-loop/storybook/internal/webhook"
)

func main() {
	// Setup logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg := config.Load()

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Info().Msg("Starting Storybook Worker")

	if !cfg.KafkaEnabled() {
		log.Fatal().Msg("KAFKA_BROKERS is required for the worker")
	}
	if !cfg.S3Enabled() {
		log.Fatal().Msg("S3 storage is required for the worker")
	}

	storageClient, err := storage.NewClient(storage.Options{
		Endpoint:  cfg.S3Endpoint,
		Region:    cfg.S3Region,
		Bucket:    cfg.S3Bucket,
		AccessKey: cfg.S3AccessKey,
		SecretKey: cfg.S3SecretKey,
		UseSSL:    cfg.S3UseSSL,
		PublicURL: cfg.S3PublicURL,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize storage client")
	}

	llmClient := llm.NewClient(llm.Options{
		APIKey:         cfg.GeminiAPIKey,
		APIEndpoint:    cfg.GeminiAPIEndpoint,
		ModelText:      cfg.GeminiModelText,
		ModelImage:     cfg.GeminiModelImage,
		ModelTTS:       cfg.GeminiModelTTS,
		Voice:          cfg.GeminiTTSVoice,
		Language:       cfg.StoryLanguage,
		Temperature:    cfg.StoryTemperature,
		PlaceholderURL: cfg.PlaceholderImageURL,
	})
	defer llmClient.Close()

	renderer, err := export.NewRenderer(cfg.ExportFontSize)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize page renderer")
	}

	eventProducer := kafka.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopicEvents)
	defer eventProducer.Close()

	storyProcessor := processor.NewStoryProcessor(
		llmClient,
		pipeline.New(llmClient, cfg.AssetPageInterval),
		export.NewExporter(export.NewImageLoader(nil), renderer),
		storageClient,
		eventProducer,
	).WithNotifier(webhook.NewDeliveryService(webhook.Options{
		MaxAttempts: cfg.WebhookMaxAttempts,
		BaseDelay:   cfg.WebhookRetryBaseDelay,
		MaxDelay:    cfg.WebhookRetryMaxDelay,
	}))

	consumer := kafka.NewConsumer(
		cfg.KafkaBrokers,
		cfg.KafkaTopicRequests,
		cfg.KafkaConsumerGroup,
		storyProcessor,
	)
	defer consumer.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := consumer.Start(ctx); err != nil && err != context.Canceled {
			log.Error().Err(err).Msg("Kafka consumer error")
		}
	}()

	log.Info().Str("topic", cfg.KafkaTopicRequests).Msg("Worker started, consuming story requests...")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down worker...")
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		log.Warn().Msg("Timed out waiting for the consumer to stop")
	}

	log.Info().Msg("Worker exited")
}
