package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/vbonduro/imgdesc/internal/vision"
)

const (
	DefaultEndpoint = "https://generativelanguage.googleapis.com/v1beta"
	DefaultModel    = "gemini-1.5-flash-latest"
	DefaultTimeout  = 60 * time.Second
)

// request types mirror the generateContent REST body.
type request struct {
	Contents []content `json:"contents"`
}

type content struct {
	Parts []part `json:"parts"`
}

type part struct {
	InlineData *inlineData `json:"inlineData,omitempty"`
	Text       string      `json:"text,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type response struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback"`
}

type GeminiDescriber struct {
	model   string
	baseURL string
	client  *resty.Client
}

func NewGeminiDescriber(endpoint, model string, timeout time.Duration) *GeminiDescriber {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	if model == "" {
		model = DefaultModel
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &GeminiDescriber{
		model:   model,
		baseURL: strings.TrimRight(endpoint, "/"),
		client:  resty.New().SetTimeout(timeout),
	}
}

func (d *GeminiDescriber) Name() string { return "gemini" }
func (d *GeminiDescriber) Model() string { return d.model }
func (d *GeminiDescriber) Format() vision.Format { return vision.FormatPNG }
func (d *GeminiDescriber) generateURL() string { return d.baseURL + "/models/" + d.model + ":generateContent" }

func buildRequest(img *vision.EncodedImage, prompt string) request {
	return request{
		Contents: []content{{
			Parts: []part{
				{InlineData: &inlineData{MimeType: img.MIMEType(), Data: img.Data}},
				{Text: prompt},
			},
		}},
	}
}

func (d *GeminiDescriber) Describe(ctx context.Context, img *vision.EncodedImage, apiKey, prompt string) (string, error) {
	resp, err := d.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetQueryParam("key", apiKey).
		SetBody(buildRequest(img, prompt)).
		Post(d.generateURL())
	if err != nil {
		return "", vision.ClassifyTransport("gemini describe", stripURL(err))
	}

	if !resp.IsSuccess() {
		return "", vision.ClassifyStatus("gemini describe", resp.StatusCode(), resp.Body())
	}

	var body response
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return "", vision.NewError(vision.KindRemote, "gemini describe", resp.StatusCode(), fmt.Errorf("failed to decode response: %w", err))
	}

	if len(body.Candidates) == 0 {
		if body.PromptFeedback != nil && body.PromptFeedback.BlockReason != "" {
			return "", vision.NewError(vision.KindRemote, "gemini describe", resp.StatusCode(), fmt.Errorf("prompt blocked: %s", body.PromptFeedback.BlockReason))
		}
		return "", vision.NewError(vision.KindRemote, "gemini describe", resp.StatusCode(), errors.New("response has no candidates"))
	}
	parts := body.Candidates[0].Content.Parts
	if len(parts) == 0 || strings.TrimSpace(parts[0].Text) == "" {
		return "", vision.NewError(vision.KindRemote, "gemini describe", resp.StatusCode(), fmt.Errorf("candidate has no text (finish reason %q)", body.Candidates[0].FinishReason))
	}

	return parts[0].Text, nil
}

// stripURL drops the request URL from transport errors; it carries the API
// key as a query parameter.
func stripURL(err error) error {
	var uerr *url.Error
	if errors.As(err, &uerr) {
		return fmt.Errorf("%s: %w", uerr.Op, uerr.Err)
	}
	return err
}
