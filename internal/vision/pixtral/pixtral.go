package pixtral

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/vbonduro/imgdesc/internal/vision"
)

const (
	DefaultBaseURL = "https://api.mistral.ai"
	DefaultModel   = "pixtral-12b-2409"
	DefaultTimeout = 60 * time.Second
)

const chatCompletionsPath = "/v1/chat/completions"

// request types mirror the Mistral chat completions API.
type request struct {
	Model    string    `json:"model"`
	Messages []message `json:"messages"`
}

type message struct {
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

type contentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

type response struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

type PixtralDescriber struct {
	model   string
	baseURL string
	timeout time.Duration
}

func NewPixtralDescriber(baseURL, model string, timeout time.Duration) *PixtralDescriber {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if model == "" {
		model = DefaultModel
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &PixtralDescriber{
		model:   model,
		baseURL: strings.TrimRight(baseURL, "/"),
		timeout: timeout,
	}
}

func (d *PixtralDescriber) Name() string { return "pixtral" }
func (d *PixtralDescriber) Model() string { return d.model }
func (d *PixtralDescriber) Format() vision.Format { return vision.FormatJPEG }

// newClient returns a client bound to a single credential. A fresh client is
// built per call so the key never outlives the request that supplied it.
func (d *PixtralDescriber) newClient(apiKey string) *resty.Client {
	return resty.New().
		SetBaseURL(d.baseURL).
		SetTimeout(d.timeout).
		SetAuthToken(apiKey).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
}

func buildRequest(model string, img *vision.EncodedImage, prompt string) request {
	return request{
		Model: model,
		Messages: []message{{
			Role: "user",
			Content: []contentPart{
				{Type: "text", Text: prompt},
				{Type: "image_url", ImageURL: img.DataURI()},
			},
		}},
	}
}

func (d *PixtralDescriber) Describe(ctx context.Context, img *vision.EncodedImage, apiKey, prompt string) (string, error) {
	resp, err := d.newClient(apiKey).R().
		SetContext(ctx).
		SetBody(buildRequest(d.model, img, prompt)).
		Post(chatCompletionsPath)
	if err != nil {
		return "", vision.ClassifyTransport("pixtral describe", err)
	}

	if !resp.IsSuccess() {
		return "", vision.ClassifyStatus("pixtral describe", resp.StatusCode(), resp.Body())
	}

	var body response
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return "", vision.NewError(vision.KindRemote, "pixtral describe", resp.StatusCode(), fmt.Errorf("failed to decode response: %w", err))
	}
	if len(body.Choices) == 0 {
		return "", vision.NewError(vision.KindRemote, "pixtral describe", resp.StatusCode(), errors.New("response has no choices"))
	}
	text := body.Choices[0].Message.Content
	if strings.TrimSpace(text) == "" {
		return "", vision.NewError(vision.KindRemote, "pixtral describe", resp.StatusCode(), fmt.Errorf("choice has no content (finish reason %q)", body.Choices[0].FinishReason))
	}

	return text, nil
}
