package web

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/vbonduro/imgdesc/internal/service"
	"github.com/vbonduro/imgdesc/internal/vision"
)

const maxRequestBody = 64 * 1024 // form and JSON bodies only carry a URL and a key

type pageData struct {
	Backend  string
	Model    string
	ImageURL string
	Warnings []string
	Error    string
	Hint     string
	Result   *service.Result
}

type describeRequest struct {
	ImageURL string `json:"image_url"`
	APIKey   string `json:"api_key"`
}

type describeResponse struct {
	RequestID   string `json:"request_id"`
	Description string `json:"description"`
	Backend     string `json:"backend"`
	Model       string `json:"model"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	ElapsedMS   int64  `json:"elapsed_ms"`
}

type errorResponse struct {
	Error    string   `json:"error"`
	Kind     string   `json:"kind,omitempty"`
	Hint     string   `json:"hint,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

var indexFiles = []string{"base.html", "pages/index.html"}

func (s *Server) newPage() pageData {
	return pageData{Backend: s.service.Backend(), Model: s.model}
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if err := s.renderPage(w, http.StatusOK, s.newPage(), indexFiles...); err != nil {
		s.logger.Error("render page failed", "error", err)
	}
}

func (s *Server) handleDescribeForm(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := r.ParseForm(); err != nil {
		http.Error(w, "failed to parse form", http.StatusBadRequest)
		return
	}

	page := s.newPage()
	page.ImageURL = r.PostFormValue("image_url")

	status := http.StatusOK
	result, err := s.service.Describe(r.Context(), service.Request{
		ImageURL: page.ImageURL,
		APIKey:   r.PostFormValue("api_key"),
	})
	if err != nil {
		var inErr *service.InputError
		if errors.As(err, &inErr) {
			page.Warnings = warningStrings(inErr)
		} else {
			status = statusFor(err)
			page.Error = "An error occurred while describing the image: " + err.Error()
			page.Hint = vision.Hint(err)
			s.logger.Error("describe request failed", "kind", vision.KindOf(err).String(), "error", err)
		}
	}
	page.Result = result

	if err := s.renderPage(w, status, page, indexFiles...); err != nil {
		s.logger.Error("render page failed", "error", err)
	}
}

func (s *Server) handleDescribeAPI(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

	var req describeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
		return
	}

	result, err := s.service.Describe(r.Context(), service.Request{ImageURL: req.ImageURL, APIKey: req.APIKey})
	if err != nil {
		var inErr *service.InputError
		if errors.As(err, &inErr) {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "missing input", Kind: "input", Warnings: warningStrings(inErr)})
			return
		}
		s.logger.Error("describe request failed", "kind", vision.KindOf(err).String(), "error", err)
		resp := errorResponse{Error: err.Error(), Hint: vision.Hint(err)}
		if k := vision.KindOf(err); k != vision.KindUnknown {
			resp.Kind = k.String()
		} else if errors.Is(err, service.ErrRateLimited) {
			resp.Kind = "rate_limited"
		}
		writeJSON(w, statusFor(err), resp)
		return
	}

	writeJSON(w, http.StatusOK, describeResponse{
		RequestID:   result.RequestID,
		Description: result.Description,
		Backend:     result.Backend,
		Model:       result.Model,
		Width:       result.Width,
		Height:      result.Height,
		ElapsedMS:   result.Elapsed.Milliseconds(),
	})
}

// statusFor maps a pipeline error onto the HTTP status returned to the user.
func statusFor(err error) int {
	if errors.Is(err, service.ErrRateLimited) {
		return http.StatusTooManyRequests
	}
	switch vision.KindOf(err) {
	case vision.KindDecode:
		return http.StatusUnprocessableEntity
	case vision.KindAuth:
		return http.StatusUnauthorized
	case vision.KindFetch, vision.KindEndpoint, vision.KindRemote:
		return http.StatusBadGateway
	case vision.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func warningStrings(e *service.InputError) []string {
	out := make([]string, 0, len(e.Warnings))
	for _, w := range e.Warnings {
		out = append(out, w.Error())
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
