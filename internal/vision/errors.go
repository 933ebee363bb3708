package vision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"unicode/utf8"
)

// Kind classifies a pipeline failure.
type Kind int

const (
	KindUnknown Kind = iota
	KindFetch
	KindDecode
	KindAuth
	KindEndpoint
	KindRemote
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindFetch:
		return "fetch"
	case KindDecode:
		return "decode"
	case KindAuth:
		return "auth"
	case KindEndpoint:
		return "endpoint"
	case KindRemote:
		return "remote"
	case KindTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Sentinels for errors.Is. Any *Error matches the sentinel of its Kind.
var (
	ErrFetch    = errors.New("image fetch failed")
	ErrDecode   = errors.New("image decode failed")
	ErrAuth     = errors.New("credential rejected")
	ErrEndpoint = errors.New("endpoint unavailable")
	ErrRemote   = errors.New("remote error")
	ErrTimeout  = errors.New("request timed out")
)

// Error is the single error type produced by the fetch, reencode and describe
// steps. StatusCode is zero when no HTTP response was received.
type Error struct {
	Kind       Kind
	Op         string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	msg := e.Op
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s: status %d", msg, e.StatusCode)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	switch target {
	case ErrFetch:
		return e.Kind == KindFetch
	case ErrDecode:
		return e.Kind == KindDecode
	case ErrAuth:
		return e.Kind == KindAuth
	case ErrEndpoint:
		return e.Kind == KindEndpoint
	case ErrRemote:
		return e.Kind == KindRemote
	case ErrTimeout:
		return e.Kind == KindTimeout
	}
	return false
}

// NewError builds an *Error. err may be nil.
func NewError(kind Kind, op string, statusCode int, err error) *Error {
	return &Error{Kind: kind, Op: op, StatusCode: statusCode, Err: err}
}

// KindOf returns the Kind of the first *Error in err's chain, or KindUnknown.
func KindOf(err error) Kind {
	var verr *Error
	if errors.As(err, &verr) {
		return verr.Kind
	}
	return KindUnknown
}

// Hint returns a short user-facing annotation describing the likely cause of
// err, or "" when there is nothing useful to add.
func Hint(err error) string {
	switch KindOf(err) {
	case KindFetch:
		return "The image could not be downloaded. Check that the URL is reachable and points directly at an image."
	case KindDecode:
		return "The URL did not return a supported image (JPEG, PNG, GIF, WebP, BMP or TIFF)."
	case KindAuth:
		return "This might be due to an invalid API key or insufficient permissions."
	case KindEndpoint:
		return "The API endpoint might be incorrect or the service is unavailable."
	case KindTimeout:
		return "The model did not answer in time. Try again, or use a smaller image."
	default:
		return ""
	}
}

// ClassifyTransport maps an error from a model call that produced no response.
// Deadlines, whether from ctx or the client timeout, become KindTimeout.
// Anything else means the endpoint could not be reached.
func ClassifyTransport(op string, err error) *Error {
	if isTimeout(err) {
		return NewError(KindTimeout, op, 0, err)
	}
	return NewError(KindEndpoint, op, 0, err)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}

// ClassifyStatus maps a non-2xx response from a model endpoint onto the error
// taxonomy. body is kept in the message, truncated.
func ClassifyStatus(op string, statusCode int, body []byte) *Error {
	detail := errors.New(truncate(string(body), 512))
	switch statusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return NewError(KindAuth, op, statusCode, detail)
	case http.StatusNotFound, http.StatusServiceUnavailable:
		return NewError(KindEndpoint, op, statusCode, detail)
	case http.StatusBadRequest:
		if isInvalidKeyBody(body) {
			return NewError(KindAuth, op, statusCode, detail)
		}
	}
	return NewError(KindRemote, op, statusCode, detail)
}

// isInvalidKeyBody reports whether body is a Google-style structured error
// that flags the API key itself as invalid.
func isInvalidKeyBody(body []byte) bool {
	var e struct {
		Error struct {
			Status  string `json:"status"`
			Details []struct {
				Reason string `json:"reason"`
			} `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &e); err != nil {
		return false
	}
	for _, d := range e.Error.Details {
		if d.Reason == "API_KEY_INVALID" {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
