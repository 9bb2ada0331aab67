package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"duespark/internal/types"
)

// sendGridAPIBase is the default SendGrid API base URL. Overridable in tests
// via SendGridConfig.BaseURL.
const sendGridAPIBase = "https://api.sendgrid.com"

// SendGridConfig holds the configuration for creating a SendGridTransport.
type SendGridConfig struct {
	APIKey      string
	FromAddress string
	FromName    string
	BaseURL     string // override for testing
	Logger      *slog.Logger
}

// SendGridTransport implements types.Transport against the SendGrid v3 Mail
// Send API through BaseClient, so every send inherits the circuit breaker and
// retry behavior.
type SendGridTransport struct {
	base        *BaseClient
	apiKey      string
	fromAddress string
	fromName    string
	baseURL     string
	logger      *slog.Logger
}

// NewSendGridTransport creates a SendGridTransport. The httpClient should
// carry the configured email timeout.
func NewSendGridTransport(httpClient *http.Client, cfg SendGridConfig) *SendGridTransport {
	base := NewBaseClient(httpClient, "sendgrid", DefaultRetryPolicy(), "DueSpark/1.0")
	return NewSendGridTransportWithBase(base, cfg)
}

// NewSendGridTransportWithBase creates a SendGridTransport with a
// pre-configured BaseClient. Useful in tests to disable retries.
func NewSendGridTransportWithBase(base *BaseClient, cfg SendGridConfig) *SendGridTransport {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = sendGridAPIBase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &SendGridTransport{
		base:        base,
		apiKey:      cfg.APIKey,
		fromAddress: cfg.FromAddress,
		fromName:    cfg.FromName,
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		logger:      logger,
	}
}

// Send transmits one email and returns the provider message id (SendGrid's
// X-Message-Id response header). The reminder's idempotency key travels as a
// custom header so downstream systems can deduplicate lock-race duplicates.
func (s *SendGridTransport) Send(ctx context.Context, input types.SendInput) (*types.SendResult, error) {
	body, err := json.Marshal(s.buildMailPayload(input))
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to marshal mail payload", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/v3/mail/send", bytes.NewReader(body))
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to create mail send request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.base.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	// SendGrid returns 202 Accepted on success.
	if resp.StatusCode == http.StatusAccepted {
		return &types.SendResult{
			MessageID: resp.Header.Get("X-Message-Id"),
			Provider:  "sendgrid",
		}, nil
	}
	return nil, s.handleErrorResponse(resp)
}

// sendGridMailPayload is the v3 mail/send JSON request body.
type sendGridMailPayload struct {
	Personalizations []sendGridPersonalization `json:"personalizations"`
	From             sendGridAddress           `json:"from"`
	Subject          string                    `json:"subject"`
	Content          []sendGridContent         `json:"content"`
	Headers          map[string]string         `json:"headers,omitempty"`
}

type sendGridPersonalization struct {
	To []sendGridAddress `json:"to"`
}

type sendGridAddress struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type sendGridContent struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

func (s *SendGridTransport) buildMailPayload(input types.SendInput) sendGridMailPayload {
	// SendGrid requires text/plain before text/html.
	var content []sendGridContent
	if input.Text != "" {
		content = append(content, sendGridContent{Type: "text/plain", Value: input.Text})
	}
	if input.HTML != "" {
		content = append(content, sendGridContent{Type: "text/html", Value: input.HTML})
	}

	return sendGridMailPayload{
		Personalizations: []sendGridPersonalization{
			{To: []sendGridAddress{{Email: input.To}}},
		},
		From:    sendGridAddress{Email: s.fromAddress, Name: s.fromName},
		Subject: input.Subject,
		Content: content,
		Headers: input.Headers,
	}
}

// sendGridErrorResponse is the JSON error body returned by SendGrid.
type sendGridErrorResponse struct {
	Errors []struct {
		Message string `json:"message"`
		Field   string `json:"field"`
	} `json:"errors"`
}

// handleErrorResponse maps a non-202 SendGrid response to an AppError. 4xx
// responses are data errors (upstream_email_provider_unavailable still routes
// them into the failure path, but the outbox gives up after MAX_ATTEMPTS).
func (s *SendGridTransport) handleErrorResponse(resp *http.Response) error {
	body, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return types.NewAppError(
			types.ErrCodeUpstreamEmailProvider,
			fmt.Sprintf("SendGrid returned status %d with unreadable body", resp.StatusCode),
			readErr,
		)
	}

	errMsg := string(body)
	var sgErr sendGridErrorResponse
	if jsonErr := json.Unmarshal(body, &sgErr); jsonErr == nil && len(sgErr.Errors) > 0 {
		errMsg = sgErr.Errors[0].Message
	}

	return types.NewAppError(
		types.ErrCodeUpstreamEmailProvider,
		fmt.Sprintf("SendGrid error (%d): %s", resp.StatusCode, errMsg),
		nil,
	)
}

var _ types.Transport = (*SendGridTransport)(nil)
