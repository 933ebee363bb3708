package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/vbonduro/imgdesc/internal/imagecodec"
	"github.com/vbonduro/imgdesc/internal/metrics"
	"github.com/vbonduro/imgdesc/internal/vision"
)

var (
	ErrMissingAPIKey   = errors.New("please enter an API key")
	ErrMissingImageURL = errors.New("please enter an image URL")
	ErrRateLimited     = errors.New("too many requests, try again shortly")
)

// InputError reports every missing input at once. It is a pre-flight warning:
// no network call has been made when it is returned.
type InputError struct {
	Warnings []error
}

func (e *InputError) Error() string {
	msgs := make([]string, 0, len(e.Warnings))
	for _, w := range e.Warnings {
		msgs = append(msgs, w.Error())
	}
	return strings.Join(msgs, "; ")
}

func (e *InputError) Unwrap() []error {
	return e.Warnings
}

// imageFetcher is the subset of imagefetch.Fetcher that DescriptionService requires.
type imageFetcher interface {
	Fetch(ctx context.Context, rawURL string) ([]byte, error)
}

type Options struct {
	// DefaultAPIKey is used when a request carries no key. Empty means the
	// caller must always supply one.
	DefaultAPIKey string
	// Timeout bounds the whole fetch, reencode, describe sequence.
	Timeout       time.Duration
	RatePerMinute float64
	JPEGQuality   int
	// MaxPixels caps the decoded image area. Zero uses imagecodec.DefaultMaxPixels.
	MaxPixels int
}

type Request struct {
	ImageURL string
	APIKey   string
}

type Result struct {
	RequestID   string
	Description string
	Backend     string
	Model       string
	ImageURL    string
	Width       int
	Height      int
	Elapsed     time.Duration
}

type DescriptionService struct {
	fetcher   imageFetcher
	describer vision.Describer
	limiter   *rate.Limiter
	opts      Options
	logger    *slog.Logger
}

func NewDescriptionService(fetcher imageFetcher, describer vision.Describer, opts Options, logger *slog.Logger) *DescriptionService {
	var limiter *rate.Limiter
	if opts.RatePerMinute > 0 {
		burst := int(opts.RatePerMinute / 60 * 2)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RatePerMinute/60), burst)
	}
	return &DescriptionService{
		fetcher:   fetcher,
		describer: describer,
		limiter:   limiter,
		opts:      opts,
		logger:    logger,
	}
}

// Backend returns the configured backend name.
func (s *DescriptionService) Backend() string {
	return s.describer.Name()
}

// Validate trims the request and checks that both inputs are present,
// falling back to the default API key. It never touches the network.
func (s *DescriptionService) Validate(req Request) (Request, error) {
	req.ImageURL = strings.TrimSpace(req.ImageURL)
	req.APIKey = strings.TrimSpace(req.APIKey)
	if req.APIKey == "" {
		req.APIKey = s.opts.DefaultAPIKey
	}

	var warnings []error
	if req.APIKey == "" {
		warnings = append(warnings, ErrMissingAPIKey)
	}
	if req.ImageURL == "" {
		warnings = append(warnings, ErrMissingImageURL)
	}
	if len(warnings) > 0 {
		return req, &InputError{Warnings: warnings}
	}
	return req, nil
}

// Describe downloads the image at req.ImageURL, re-encodes it for the
// configured backend and returns the model's description. Steps run in
// order and the first failure aborts the rest.
func (s *DescriptionService) Describe(ctx context.Context, req Request) (result *Result, err error) {
	start := time.Now()
	backend := s.describer.Name()
	defer func() {
		metrics.DescribeTotal.WithLabelValues(backend, outcome(err)).Inc()
	}()

	req, err = s.Validate(req)
	if err != nil {
		return nil, err
	}

	if s.limiter != nil && !s.limiter.Allow() {
		return nil, ErrRateLimited
	}

	if s.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.Timeout)
		defer cancel()
	}

	requestID := uuid.NewString()
	logger := s.logger.With("request_id", requestID, "backend", backend)
	logger.Info("describe started", "image_url", req.ImageURL)

	stepStart := time.Now()
	data, err := s.fetcher.Fetch(ctx, req.ImageURL)
	metrics.StepDuration.WithLabelValues("fetch").Observe(time.Since(stepStart).Seconds())
	if err != nil {
		logger.Warn("image fetch failed", "error", err)
		return nil, fmt.Errorf("failed to fetch image: %w", err)
	}
	metrics.FetchedBytes.Observe(float64(len(data)))
	logger.Debug("image fetched", "bytes", len(data))

	stepStart = time.Now()
	img, err := imagecodec.Reencode(data, s.describer.Format(), imagecodec.Options{
		JPEGQuality: s.opts.JPEGQuality,
		MaxPixels:   s.opts.MaxPixels,
	})
	metrics.StepDuration.WithLabelValues("reencode").Observe(time.Since(stepStart).Seconds())
	if err != nil {
		logger.Warn("image reencode failed", "error", err)
		return nil, fmt.Errorf("failed to reencode image: %w", err)
	}
	logger.Debug("image reencoded", "format", img.Format, "width", img.Width, "height", img.Height, "encoded_bytes", len(img.Data))

	stepStart = time.Now()
	text, err := s.describer.Describe(ctx, img, req.APIKey, vision.DescribePrompt)
	metrics.StepDuration.WithLabelValues("describe").Observe(time.Since(stepStart).Seconds())
	if err != nil {
		logger.Warn("describe failed", "kind", vision.KindOf(err).String(), "error", err)
		return nil, fmt.Errorf("failed to describe image: %w", err)
	}

	elapsed := time.Since(start)
	logger.Info("describe complete", "chars", len(text), "duration_ms", elapsed.Milliseconds())

	return &Result{
		RequestID:   requestID,
		Description: text,
		Backend:     backend,
		Model:       s.describer.Model(),
		ImageURL:    req.ImageURL,
		Width:       img.Width,
		Height:      img.Height,
		Elapsed:     elapsed,
	}, nil
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	var inErr *InputError
	switch {
	case errors.As(err, &inErr):
		return "input"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	}
	return vision.KindOf(err).String()
}
