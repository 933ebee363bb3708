package vision

import (
	"context"
)

// DescribePrompt is the shared instruction sent with every image.
const DescribePrompt = `Describe the image in great detail, analyzing the objects, people, or elements present, their appearance, colors, lighting, and textures. Focus on the mood, atmosphere, and how the composition creates a particular feeling or emotion. Discuss any interactions, gestures, or visual relationships between the elements, and the overall aesthetic impact of the image. Additionally, identify and describe the artistic or photographic style, considering factors such as techniques, influences, and distinctive visual characteristics that contribute to the image's overall presentation.`

// Describer sends one encoded image and a prompt to a hosted vision-language
// model and returns the model's text answer. Failures are *Error values of
// KindAuth, KindEndpoint or KindRemote.
type Describer interface {
	Describe(ctx context.Context, img *EncodedImage, apiKey, prompt string) (string, error)
	// Format is the image encoding the backend expects.
	Format() Format
	Name() string
	Model() string
}

// Format is a canonical output encoding for re-encoded images.
type Format string

const (
	FormatPNG  Format = "png"
	FormatJPEG Format = "jpeg"
)

// MIMEType returns the media type for f.
func (f Format) MIMEType() string {
	if f == FormatJPEG {
		return "image/jpeg"
	}
	return "image/png"
}

// EncodedImage is an image re-serialized to Format and base64 encoded.
type EncodedImage struct {
	Format Format
	// Data is standard, padded base64.
	Data   string
	Width  int
	Height int
}

// MIMEType returns the media type of the encoded bytes.
func (e *EncodedImage) MIMEType() string {
	return e.Format.MIMEType()
}

// DataURI returns the image as a data: URI.
func (e *EncodedImage) DataURI() string {
	return "data:" + e.MIMEType() + ";base64," + e.Data
}
