package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"mcpgw/pkg/httpx"
	"mcpgw/pkg/models"
)

// Evaluation modes. Negotiation compares a full intent to a full capability;
// transaction compares a single proposed operation to a contract's agreed
// terms; drift compares a transaction window to the agreed purpose.
const (
	ModeNegotiation = "negotiation"
	ModeTransaction = "transaction"
	ModeDrift       = "drift"
)

var (
	ErrUnavailable = errors.New("oracle unavailable")
	ErrTimeout     = errors.New("oracle deadline exceeded")
)

// EvalRequest carries the structured subject and reference for one judgement.
// Both sides are opaque JSON; the client owns prompt construction.
type EvalRequest struct {
	Mode      string
	Subject   json.RawMessage
	Reference json.RawMessage
}

// DriftRequest carries the agreed purpose and the recent transaction window.
type DriftRequest struct {
	ContractID   string
	Purpose      string
	Transactions []models.TransactionEntry
	Window       time.Duration
}

// Client is the seam between the broker and the semantic judge. Production
// wiring uses HTTPClient; tests substitute a scripted fake.
type Client interface {
	Evaluate(ctx context.Context, req EvalRequest) (models.CompatibilityVerdict, error)
	AnalyzeDrift(ctx context.Context, req DriftRequest) (models.DriftReport, error)
}

// HTTPClient talks to an Ollama-compatible generate endpoint. Transport
// failures and 5xx responses are retried a bounded number of times; malformed
// model output is never retried and degrades to a needs_review verdict.
type HTTPClient struct {
	Client             *http.Client
	BaseURL            string
	Model              string
	AuthHeader         string
	AuthToken          string
	NegotiationTimeout time.Duration
	TransactionTimeout time.Duration
	Retries            int
	RetryDelay         time.Duration
}

type generateRequest struct {
	Model   string                 `json:"model"`
	Prompt  string                 `json:"prompt"`
	System  string                 `json:"system,omitempty"`
	Stream  bool                   `json:"stream"`
	Options map[string]interface{} `json:"options,omitempty"`
}

type generateResponse struct {
	Response string `json:"response"`
}

func (c *HTTPClient) timeoutFor(mode string) time.Duration {
	switch mode {
	case ModeTransaction:
		if c.TransactionTimeout > 0 {
			return c.TransactionTimeout
		}
		return 3 * time.Second
	default:
		if c.NegotiationTimeout > 0 {
			return c.NegotiationTimeout
		}
		return 10 * time.Second
	}
}

// Evaluate runs one compatibility judgement. It never returns an approving
// verdict on failure: timeouts and transport errors yield needs_review with
// confidence 0 alongside a typed error, malformed output yields needs_review
// without an error (retrying a systematically broken prompt only amplifies it).
func (c *HTTPClient) Evaluate(ctx context.Context, req EvalRequest) (models.CompatibilityVerdict, error) {
	system, prompt := buildPrompt(req)
	raw, err := c.generate(ctx, req.Mode, system, prompt)
	if err != nil {
		return failClosedVerdict(err), err
	}
	verdict, ok := extractVerdict(raw)
	if !ok {
		return models.CompatibilityVerdict{
			Status:     models.VerdictNeedsReview,
			Confidence: 0,
			Reasons:    []string{"oracle returned unparseable output"},
		}, nil
	}
	return verdict, nil
}

// AnalyzeDrift judges whether recent transactions have moved away from the
// agreed purpose. Failures degrade to a no-drift report flagged for review.
func (c *HTTPClient) AnalyzeDrift(ctx context.Context, req DriftRequest) (models.DriftReport, error) {
	system, prompt := buildDriftPrompt(req)
	raw, err := c.generate(ctx, ModeDrift, system, prompt)
	if err != nil {
		return models.DriftReport{
			ContractID:  req.ContractID,
			Severity:    "unknown",
			Indicators:  []string{fmt.Sprintf("drift analysis failed: %v", err)},
			Recommended: "review",
		}, err
	}
	report, ok := extractDriftReport(raw)
	if !ok {
		return models.DriftReport{
			ContractID:  req.ContractID,
			Severity:    "unknown",
			Indicators:  []string{"oracle returned unparseable drift output"},
			Recommended: "review",
		}, nil
	}
	report.ContractID = req.ContractID
	return report, nil
}

func (c *HTTPClient) generate(ctx context.Context, mode, system, prompt string) (string, error) {
	payload := generateRequest{
		Model:  c.Model,
		Prompt: prompt,
		System: system,
		Stream: false,
		Options: map[string]interface{}{
			"temperature": 0.1,
			"top_p":       0.9,
			"num_predict": 2048,
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	ctxTimeout, cancel := context.WithTimeout(ctx, c.timeoutFor(mode))
	defer cancel()
	status, respBody, err := httpx.RequestJSON(ctxTimeout, c.Client, http.MethodPost, c.BaseURL+"/api/generate", body, authHeaderMap(c.AuthHeader, c.AuthToken), c.Retries, c.RetryDelay)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctxTimeout.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if status != http.StatusOK {
		return "", fmt.Errorf("%w: status %d", ErrUnavailable, status)
	}
	var gen generateResponse
	if err := json.Unmarshal(respBody, &gen); err != nil {
		return "", fmt.Errorf("%w: bad envelope: %v", ErrUnavailable, err)
	}
	return gen.Response, nil
}

// Healthy reports whether the endpoint answers and the model is loaded.
func (c *HTTPClient) Healthy(ctx context.Context) bool {
	ctxTimeout, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	status, body, err := httpx.RequestJSON(ctxTimeout, c.Client, http.MethodGet, c.BaseURL+"/api/tags", nil, authHeaderMap(c.AuthHeader, c.AuthToken), 0, 0)
	if err != nil || status != http.StatusOK {
		return false
	}
	var tags struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.Unmarshal(body, &tags); err != nil {
		return false
	}
	for _, m := range tags.Models {
		if m.Name == c.Model {
			return true
		}
	}
	return false
}

func failClosedVerdict(err error) models.CompatibilityVerdict {
	reason := "oracle call failed"
	switch {
	case errors.Is(err, ErrTimeout):
		reason = "oracle deadline exceeded"
	case errors.Is(err, ErrUnavailable):
		reason = "oracle unavailable"
	}
	return models.CompatibilityVerdict{
		Status:     models.VerdictNeedsReview,
		Confidence: 0,
		Reasons:    []string{reason},
	}
}

func authHeaderMap(header, token string) map[string]string {
	if header == "" || token == "" {
		return nil
	}
	return map[string]string{header: token}
}
