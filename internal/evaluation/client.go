package evaluation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/proctord/internal/metrics"
	"golang.org/x/time/rate"
)

// Language is a supported answer language.
type Language string

const (
	LanguagePython     Language = "python"
	LanguageJavaScript Language = "javascript"
	LanguageJava       Language = "java"
	LanguageC          Language = "c"
	LanguageCpp        Language = "cpp"
)

// DefaultLanguage is used when the learner never picked one.
const DefaultLanguage = LanguagePython

func (l Language) Valid() bool {
	switch l {
	case LanguagePython, LanguageJavaScript, LanguageJava, LanguageC, LanguageCpp:
		return true
	}
	return false
}

var (
	ErrUnavailable     = errors.New("evaluation service unavailable")
	ErrInvalidLanguage = errors.New("unsupported language")
)

// Request is one answer to grade.
type Request struct {
	Question string   `json:"question"`
	Code     string   `json:"code"`
	Language Language `json:"language"`
}

// Result is the evaluator's verdict. Grade is 0 to 10.
type Result struct {
	Success bool     `json:"success"`
	Grade   *float64 `json:"grade,omitempty"`
	Review  string   `json:"review,omitempty"`
	Error   string   `json:"error,omitempty"`
}

// Client calls the external code evaluation service.
type Client struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	log     zerolog.Logger
}

// NewClient builds a client limited to ratePerSec outbound calls.
func NewClient(baseURL string, timeout time.Duration, ratePerSec float64, log zerolog.Logger) *Client {
	burst := int(ratePerSec)
	if burst < 1 {
		burst = 1
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(ratePerSec), burst),
		log:     log.With().Str("component", "evaluation_client").Logger(),
	}
}

// Evaluate grades one answer. A non-2xx response or transport failure is
// returned as an error wrapping ErrUnavailable with the service's message.
func (c *Client) Evaluate(ctx context.Context, req Request) (Result, error) {
	if req.Language == "" {
		req.Language = DefaultLanguage
	}
	if !req.Language.Valid() {
		return Result{}, fmt.Errorf("%w: %s", ErrInvalidLanguage, req.Language)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return Result{}, fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/evaluate", bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		c.observe(start, "transport_error")
		return Result{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		c.observe(start, "transport_error")
		return Result{}, fmt.Errorf("%w: read response: %v", ErrUnavailable, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.observe(start, "http_error")
		var failure struct {
			Error string `json:"error"`
		}
		msg := http.StatusText(resp.StatusCode)
		if json.Unmarshal(raw, &failure) == nil && failure.Error != "" {
			msg = failure.Error
		}
		c.log.Warn().Int("status", resp.StatusCode).Str("error", msg).Msg("Evaluation rejected")
		return Result{}, fmt.Errorf("%w: HTTP %d: %s", ErrUnavailable, resp.StatusCode, msg)
	}

	var result Result
	if err := json.Unmarshal(raw, &result); err != nil {
		c.observe(start, "decode_error")
		return Result{}, fmt.Errorf("decode response: %w", err)
	}

	c.observe(start, "ok")
	return result, nil
}

func (c *Client) observe(start time.Time, outcome string) {
	metrics.EvaluationDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
}
