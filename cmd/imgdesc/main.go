package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/vbonduro/imgdesc/internal/config"
	"github.com/vbonduro/imgdesc/internal/imagefetch"
	"github.com/vbonduro/imgdesc/internal/logging"
	"github.com/vbonduro/imgdesc/internal/service"
	"github.com/vbonduro/imgdesc/internal/vision"
	"github.com/vbonduro/imgdesc/internal/vision/gemini"
	"github.com/vbonduro/imgdesc/internal/vision/pixtral"
	"github.com/vbonduro/imgdesc/internal/web"
	"github.com/vbonduro/imgdesc/internal/web/templates"
)

func main() {
	cfg := config.Load()

	logger, cleanup, err := logging.New(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer cleanup()

	describer, err := newDescriber(cfg, logger)
	if err != nil {
		logger.Error("failed to configure vision backend", "error", err)
		return
	}

	fetcher := imagefetch.NewFetcher(imagefetch.Options{
		Timeout:      cfg.FetchTimeout,
		MaxBytes:     cfg.MaxImageBytes,
		MaxRedirects: cfg.MaxRedirects,
		DenyPrivate:  !cfg.AllowPrivateFetch,
	})

	svc := service.NewDescriptionService(fetcher, describer, service.Options{
		DefaultAPIKey: cfg.DefaultAPIKey,
		Timeout:       cfg.DescribeTimeout,
		RatePerMinute: cfg.RatePerMinute,
		JPEGQuality:   cfg.JPEGQuality,
		MaxPixels:     cfg.MaxImagePixels,
	}, logger)
	server := web.NewServer(svc, describer.Model(), templates.FS, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := server.ListenAndServe(ctx, cfg.ListenAddr); err != nil {
		logger.Error("server error", "error", err)
	}
}

func newDescriber(cfg *config.Config, logger *slog.Logger) (vision.Describer, error) {
	switch cfg.VisionBackend {
	case "gemini":
		logger.Info("using Gemini vision backend", "model", cfg.GeminiModel)
		return gemini.NewGeminiDescriber(cfg.GeminiEndpoint, cfg.GeminiModel, cfg.DescribeTimeout), nil
	case "pixtral", "mistral":
		logger.Info("using Pixtral vision backend", "model", cfg.PixtralModel)
		return pixtral.NewPixtralDescriber(cfg.MistralBaseURL, cfg.PixtralModel, cfg.DescribeTimeout), nil
	default:
		return nil, fmt.Errorf("unknown VISION_BACKEND %q (want gemini or pixtral)", cfg.VisionBackend)
	}
}
