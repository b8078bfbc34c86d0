package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/snappy-loop/storybook/internal/auth"
	"github.com/snappy-loop/storybook/internal/config"
	"github.com/snappy-loop/storybook/internal/export"
	"github.com/snappy-loop/storybook/internal/handlers"
	"github.com/snappy-loop/storybook/internal/kafka"
	"github.com/snappy-loop/storybook/internal/llm"
	"github.com/snappy-loop/storybook/internal/pipeline"
	"github.com/snappy-loop/storybook/internal/playback"
	"github.com/snappy-loop/storybook/internal/quota"
	"github.com/snappy-loop/storybook/internal/session"
	"github.com/snappy-loop/storybook/internal/storage"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg := config.Load()

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Info().Msg("Starting Storybook API")

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

	opts := handlers.Options{}

	// Lifecycle events go to Kafka when brokers are configured
	var publisher session.EventPublisher
	if cfg.KafkaEnabled() {
		eventProducer := kafka.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopicEvents)
		defer eventProducer.Close()
		publisher = eventProducer

		requestProducer := kafka.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopicRequests)
		defer requestProducer.Close()
		opts.Requests = requestProducer
	} else {
		log.Info().Msg("Kafka not configured, batch generation and event publishing disabled")
	}

	if cfg.S3Enabled() {
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
		opts.Storage = storageClient
	}

	manager := session.NewManager(llmClient, pipeline.New(llmClient, cfg.AssetPageInterval), publisher)
	defer manager.Close()
	go manager.Run(context.Background())

	renderer, err := export.NewRenderer(cfg.ExportFontSize)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize page renderer")
	}

	transport := playback.NewTransport(playback.ClockOutput{})
	opts.Stories = manager
	opts.Viewer = playback.NewViewer(transport, manager)
	opts.Exporter = export.NewExporter(export.NewImageLoader(nil), renderer)
	opts.Hub = handlers.NewHub()
	if cfg.StoryQuota > 0 {
		opts.Quota = quota.NewService(cfg.StoryQuota, cfg.QuotaPeriod)
	}

	h := handlers.NewHandler(opts)
	defer h.Close()
	transport.OnChange(h.PlaybackChanged)

	authService := auth.NewService(cfg.APIKeyHashes)

	r := mux.NewRouter()
	r.HandleFunc("/", h.Index).Methods("GET")
	r.HandleFunc("/styles", h.Styles).Methods("GET")

	api := r.PathPrefix("/v1").Subrouter()
	api.Use(authService.Middleware)
	api.HandleFunc("/stories", h.CreateStory).Methods("POST")
	api.HandleFunc("/stories/batch", h.BatchStory).Methods("POST")
	api.HandleFunc("/stories/current", h.GetStory).Methods("GET")
	api.HandleFunc("/stories/current", h.ResetStory).Methods("DELETE")
	api.HandleFunc("/pages/{n:[0-9]+}/audio", h.PageAudio).Methods("GET")
	api.HandleFunc("/pages/{n:[0-9]+}/image", h.PageImage).Methods("GET")
	api.HandleFunc("/pages/{n:[0-9]+}/narration/toggle", h.ToggleNarration).Methods("POST")
	api.HandleFunc("/playback/stop", h.StopPlayback).Methods("POST")
	api.HandleFunc("/viewer", h.GetViewer).Methods("GET")
	api.HandleFunc("/viewer/mode", h.SetViewerMode).Methods("POST")
	api.HandleFunc("/viewer/navigate", h.Navigate).Methods("POST")
	api.HandleFunc("/export", h.Export).Methods("POST")
	api.HandleFunc("/exports/{id}", h.GetExport).Methods("GET")
	api.HandleFunc("/events", h.Events).Methods("GET")

	// No write timeout: exports render every page before responding and the
	// events socket is long-lived.
	srv := &http.Server{
		Addr:        cfg.HTTPAddr,
		Handler:     r,
		ReadTimeout: 15 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Bool("auth", authService.Enabled()).Msg("API listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down API...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}
	log.Info().Msg("API exited")
}
