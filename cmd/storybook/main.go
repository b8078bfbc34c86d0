package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	cli "github.com/urfave/cli/v3"

	"github.com/snappy-loop/storybook/internal/audio"
	"github.com/snappy-loop/storybook/internal/auth"
	"github.com/snappy-loop/storybook/internal/config"
	"github.com/snappy-loop/storybook/internal/export"
	"github.com/snappy-loop/storybook/internal/llm"
	"github.com/snappy-loop/storybook/internal/models"
	"github.com/snappy-loop/storybook/internal/pipeline"
)

func setupLogging(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	level := zerolog.InfoLevel
	if cmd.Bool("debug") {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)
	return ctx, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := &cli.Command{
		Name:            "storybook",
		Usage:           "generates illustrated, narrated storybooks",
		HideHelpCommand: true,
		Before:          setupLogging,
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "debug", Aliases: []string{"d"}, Usage: "verbose logging"},
		},
		Commands: []*cli.Command{
			{
				Name:      "generate",
				Usage:     "Generates a storybook for TOPIC and saves it as PDF",
				ArgsUsage: "TOPIC",
				Action:    generate,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "style", Aliases: []string{"s"}, Value: string(models.StyleWatercolor),
						Usage: "illustration `STYLE` (watercolor, cartoon, 3d_render, pencil_sketch)"},
					&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Usage: "destination `FILE`, defaults to storybook.pdf in EXPORT_DIR"},
					&cli.StringFlag{Name: "narration-dir", Usage: "also write one WAV per narrated page to `DIR`"},
				},
			},
			{
				Name:      "decode-audio",
				Usage:     "Decodes a captured base64 speech payload into a WAV file",
				ArgsUsage: "SOURCE DESTINATION",
				Action:    decodeAudio,
			},
			{
				Name:      "hash-key",
				Usage:     "Prints the bcrypt hash of an API key for API_KEY_HASHES",
				ArgsUsage: "KEY",
				Action:    hashKey,
			},
		},
	}

	if err := app.Run(ctx, os.Args); err != nil {
		log.Error().Err(err).Msg("Program ended with error")
		os.Exit(1)
	}
}

func generate(ctx context.Context, cmd *cli.Command) error {
	topic := strings.TrimSpace(strings.Join(cmd.Args().Slice(), " "))
	if topic == "" {
		return fmt.Errorf("TOPIC is required")
	}
	style, err := models.ParseIllustrationStyle(cmd.String("style"))
	if err != nil {
		return err
	}

	cfg := config.Load()
	out := cmd.String("out")
	if out == "" {
		out = filepath.Join(cfg.ExportDir, "storybook.pdf")
	}

	client := llm.NewClient(llm.Options{
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
	defer client.Close()

	pages, err := client.GenerateStoryText(ctx, topic, style)
	if err != nil {
		return fmt.Errorf("story generation failed: %w", err)
	}
	log.Info().Int("pages", len(pages)).Msg("Story written, generating illustrations and narration")

	pages, err = pipeline.New(client, cfg.AssetPageInterval).Resolve(ctx, pages, style)
	if err != nil {
		return err
	}

	if dir := cmd.String("narration-dir"); dir != "" {
		if err := writeNarration(dir, pages); err != nil {
			return err
		}
	}

	renderer, err := export.NewRenderer(cfg.ExportFontSize)
	if err != nil {
		return err
	}
	res, err := export.NewExporter(export.NewImageLoader(nil), renderer).
		WithTitle(topic).
		SaveFile(ctx, pages, out)
	if err != nil {
		return fmt.Errorf("export failed: %w", err)
	}

	log.Info().Str("file", out).Ints("pages", res.Pages).Int("bytes", res.Bytes).Msg("Storybook saved")
	return nil
}

func writeNarration(dir string, pages []models.StoryPage) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	for _, p := range pages {
		if p.AudioBuffer == nil {
			log.Warn().Int("page", p.PageNumber).Str("reason", p.NarrationReason).Msg("Page has no narration")
			continue
		}
		name := filepath.Join(dir, fmt.Sprintf("page-%02d.wav", p.PageNumber))
		if err := os.WriteFile(name, audio.EncodeWAV(p.AudioBuffer), 0o644); err != nil {
			return fmt.Errorf("unable to write narration: %w", err)
		}
	}
	return nil
}

func decodeAudio(_ context.Context, cmd *cli.Command) error {
	if cmd.NArg() != 2 {
		return fmt.Errorf("SOURCE and DESTINATION are required")
	}
	src, dst := cmd.Args().Get(0), cmd.Args().Get(1)

	payload, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	buf, err := audio.DecodeBase64Audio(strings.TrimSpace(string(payload)))
	if err != nil {
		return fmt.Errorf("unable to decode %s: %w", src, err)
	}
	if err := os.WriteFile(dst, audio.EncodeWAV(buf), 0o644); err != nil {
		return err
	}

	log.Info().
		Str("file", dst).
		Int("sample_rate", buf.SampleRate).
		Int("channels", buf.Channels).
		Dur("duration", buf.Duration()).
		Msg("Audio decoded")
	return nil
}

func hashKey(_ context.Context, cmd *cli.Command) error {
	key := cmd.Args().First()
	if key == "" {
		return fmt.Errorf("KEY is required")
	}
	h, err := auth.HashAPIKey(key)
	if err != nil {
		return err
	}
	fmt.Println(h)
	return nil
}
