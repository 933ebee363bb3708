package service

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vbonduro/imgdesc/internal/imagefetch"
	"github.com/vbonduro/imgdesc/internal/vision"
	"github.com/vbonduro/imgdesc/internal/vision/gemini"
)

func jpegBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		img.Set(x, 0, color.RGBA{R: 200, A: 255})
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	return buf.Bytes()
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeDescriber records calls and returns a canned answer or error.
type fakeDescriber struct {
	mu     sync.Mutex
	calls  int
	lastIm *vision.EncodedImage
	key    string
	prompt string
	text   string
	err    error
}

func (f *fakeDescriber) Describe(_ context.Context, img *vision.EncodedImage, apiKey, prompt string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastIm = img
	f.key = apiKey
	f.prompt = prompt
	return f.text, f.err
}

func (f *fakeDescriber) Format() vision.Format { return vision.FormatJPEG }
func (f *fakeDescriber) Name() string { return "fake" }
func (f *fakeDescriber) Model() string { return "fake-1" }

// countingFetcher wraps a Fetcher and counts calls.
type countingFetcher struct {
	calls int
	data  []byte
	err   error
}

func (c *countingFetcher) Fetch(_ context.Context, _ string) ([]byte, error) {
	c.calls++
	return c.data, c.err
}

func imageHost(t *testing.T, body []byte, status int) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write(body)
	}))
	t.Cleanup(server.Close)
	return server
}

func TestDescribeEndToEnd(t *testing.T) {
	host := imageHost(t, jpegBytes(t, 32, 24), http.StatusOK)
	describer := &fakeDescriber{text: "A red line across a black field."}
	svc := NewDescriptionService(imagefetch.NewFetcher(imagefetch.Options{}), describer, Options{}, discardLogger())

	result, err := svc.Describe(context.Background(), Request{ImageURL: "  " + host.URL + "/img.jpg ", APIKey: " key-1 "})
	require.NoError(t, err)

	assert.Equal(t, "A red line across a black field.", result.Description)
	assert.Equal(t, "fake", result.Backend)
	assert.Equal(t, "fake-1", result.Model)
	assert.Equal(t, 32, result.Width)
	assert.Equal(t, 24, result.Height)
	assert.NotEmpty(t, result.RequestID)
	assert.Equal(t, host.URL+"/img.jpg", result.ImageURL)

	assert.Equal(t, 1, describer.calls)
	assert.Equal(t, "key-1", describer.key)
	assert.Equal(t, vision.DescribePrompt, describer.prompt)
	require.NotNil(t, describer.lastIm)
	assert.Equal(t, vision.FormatJPEG, describer.lastIm.Format)

	raw, err := base64.StdEncoding.DecodeString(describer.lastIm.Data)
	require.NoError(t, err)
	decoded, err := jpeg.Decode(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 32, 24), decoded.Bounds())
}

func TestDescribeFetch404StopsPipeline(t *testing.T) {
	host := imageHost(t, []byte("not found"), http.StatusNotFound)
	describer := &fakeDescriber{text: "unused"}
	svc := NewDescriptionService(imagefetch.NewFetcher(imagefetch.Options{}), describer, Options{}, discardLogger())

	result, err := svc.Describe(context.Background(), Request{ImageURL: host.URL, APIKey: "k"})
	assert.Nil(t, result)
	assert.ErrorIs(t, err, vision.ErrFetch)
	assert.Equal(t, 0, describer.calls)
}

func TestDescribeOverPixelLimitStopsPipeline(t *testing.T) {
	fetcher := &countingFetcher{data: jpegBytes(t, 32, 24)}
	describer := &fakeDescriber{text: "unused"}
	svc := NewDescriptionService(fetcher, describer, Options{MaxPixels: 32*24 - 1}, discardLogger())

	_, err := svc.Describe(context.Background(), Request{ImageURL: "http://example.com/big.jpg", APIKey: "k"})
	assert.ErrorIs(t, err, vision.ErrDecode)
	assert.Contains(t, err.Error(), "pixel limit")
	assert.Equal(t, 0, describer.calls)
}

func TestDescribeNonImageStopsPipeline(t *testing.T) {
	fetcher := &countingFetcher{data: []byte("<html>hello</html>")}
	describer := &fakeDescriber{text: "unused"}
	svc := NewDescriptionService(fetcher, describer, Options{}, discardLogger())

	_, err := svc.Describe(context.Background(), Request{ImageURL: "http://example.com/page", APIKey: "k"})
	assert.ErrorIs(t, err, vision.ErrDecode)
	assert.Equal(t, 1, fetcher.calls)
	assert.Equal(t, 0, describer.calls)
}

func TestDescribePermissionDenied(t *testing.T) {
	host := imageHost(t, jpegBytes(t, 8, 8), http.StatusOK)
	model := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":{"code":403,"message":"Permission denied","status":"PERMISSION_DENIED"}}`))
	}))
	defer model.Close()

	svc := NewDescriptionService(
		imagefetch.NewFetcher(imagefetch.Options{}),
		gemini.NewGeminiDescriber(model.URL, "gemini-test", 0),
		Options{},
		discardLogger(),
	)

	result, err := svc.Describe(context.Background(), Request{ImageURL: host.URL, APIKey: "no-access"})
	assert.Nil(t, result)
	require.ErrorIs(t, err, vision.ErrAuth)
	assert.Contains(t, vision.Hint(err), "API key")
}

func TestDescribeBackendErrorsPropagate(t *testing.T) {
	fetcher := &countingFetcher{data: jpegBytes(t, 4, 4)}
	for _, kind := range []vision.Kind{vision.KindAuth, vision.KindEndpoint, vision.KindRemote} {
		t.Run(kind.String(), func(t *testing.T) {
			describer := &fakeDescriber{err: vision.NewError(kind, "fake describe", 0, nil)}
			svc := NewDescriptionService(fetcher, describer, Options{}, discardLogger())

			_, err := svc.Describe(context.Background(), Request{ImageURL: "http://example.com/a.jpg", APIKey: "k"})
			assert.Equal(t, kind, vision.KindOf(err))
		})
	}
}

func TestDescribeMissingInputs(t *testing.T) {
	tests := []struct {
		name     string
		req      Request
		opts     Options
		warnings []error
	}{
		{name: "both missing", req: Request{}, warnings: []error{ErrMissingAPIKey, ErrMissingImageURL}},
		{name: "key missing", req: Request{ImageURL: "http://example.com/a.png"}, warnings: []error{ErrMissingAPIKey}},
		{name: "url blank", req: Request{ImageURL: "   ", APIKey: "k"}, warnings: []error{ErrMissingImageURL}},
		{name: "default key covers missing key", req: Request{}, opts: Options{DefaultAPIKey: "server-key"}, warnings: []error{ErrMissingImageURL}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fetcher := &countingFetcher{}
			describer := &fakeDescriber{}
			svc := NewDescriptionService(fetcher, describer, tt.opts, discardLogger())

			_, err := svc.Describe(context.Background(), tt.req)

			var inErr *InputError
			require.ErrorAs(t, err, &inErr)
			assert.Equal(t, tt.warnings, inErr.Warnings)
			for _, w := range tt.warnings {
				assert.ErrorIs(t, err, w)
			}
			assert.Equal(t, 0, fetcher.calls)
			assert.Equal(t, 0, describer.calls)
		})
	}
}

func TestDescribeUsesDefaultAPIKey(t *testing.T) {
	fetcher := &countingFetcher{data: jpegBytes(t, 2, 2)}
	describer := &fakeDescriber{text: "ok"}
	svc := NewDescriptionService(fetcher, describer, Options{DefaultAPIKey: "server-key"}, discardLogger())

	_, err := svc.Describe(context.Background(), Request{ImageURL: "http://example.com/a.jpg"})
	require.NoError(t, err)
	assert.Equal(t, "server-key", describer.key)
}

func TestDescribeRateLimited(t *testing.T) {
	fetcher := &countingFetcher{data: jpegBytes(t, 2, 2)}
	describer := &fakeDescriber{text: "ok"}
	svc := NewDescriptionService(fetcher, describer, Options{RatePerMinute: 1}, discardLogger())
	req := Request{ImageURL: "http://example.com/a.jpg", APIKey: "k"}

	_, err := svc.Describe(context.Background(), req)
	require.NoError(t, err)

	_, err = svc.Describe(context.Background(), req)
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.Equal(t, 1, fetcher.calls)
}

// blockingFetcher waits for the context to end.
type blockingFetcher struct{}

func (blockingFetcher) Fetch(ctx context.Context, _ string) ([]byte, error) {
	<-ctx.Done()
	return nil, vision.NewError(vision.KindFetch, "fetch image", 0, ctx.Err())
}

func TestDescribeTimeout(t *testing.T) {
	describer := &fakeDescriber{}
	svc := NewDescriptionService(blockingFetcher{}, describer, Options{Timeout: 20 * time.Millisecond}, discardLogger())

	_, err := svc.Describe(context.Background(), Request{ImageURL: "http://example.com/a.jpg", APIKey: "k"})
	assert.ErrorIs(t, err, vision.ErrFetch)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, describer.calls)
}

func TestOutcome(t *testing.T) {
	assert.Equal(t, "ok", outcome(nil))
	assert.Equal(t, "input", outcome(&InputError{Warnings: []error{ErrMissingAPIKey}}))
	assert.Equal(t, "rate_limited", outcome(ErrRateLimited))
	assert.Equal(t, "auth", outcome(vision.NewError(vision.KindAuth, "op", 401, nil)))
	assert.Equal(t, "unknown", outcome(errors.New("boom")))
}
