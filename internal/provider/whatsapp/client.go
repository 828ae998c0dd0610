// Package whatsapp is the WhatsApp Business (Cloud) API client. Every call
// is bounded by the configured timeout and guarded by a circuit breaker; an
// open breaker surfaces as a transient error so the processor schedules a
// retry instead of failing the notification outright.
package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"whatsapp-relay/internal/notifications"
	"whatsapp-relay/internal/provider"
)

// Provider error codes the platform documents as retryable.
var transientProviderCodes = map[int]bool{
	1:     true, // API unknown
	2:     true, // API service unavailable
	4:     true, // rate limit hit
	80007: true, // throughput limit reached
}

type Config struct {
	BaseURL       string
	APIVersion    string
	PhoneNumberID string
	AccessToken   string
	Timeout       time.Duration
}

type Client struct {
	cfg     Config
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     "whatsapp-api",
		Interval: time.Minute,
		Timeout:  30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.6
		},
	})

	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		breaker: breaker,
		logger:  logger,
	}
}

func (c *Client) Name() string { return "whatsapp" }

func (c *Client) Send(ctx context.Context, req provider.SendRequest) (*provider.SendResult, error) {
	result, err := c.breaker.Execute(func() (any, error) {
		return c.send(ctx, req)
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return nil, provider.NewTransient("circuit_open", "provider circuit breaker open")
	}
	if err != nil {
		return nil, err
	}
	return result.(*provider.SendResult), nil
}

type apiRequest struct {
	MessagingProduct string       `json:"messaging_product"`
	RecipientType    string       `json:"recipient_type"`
	To               string       `json:"to"`
	Type             string       `json:"type"`
	Template         *apiTemplate `json:"template,omitempty"`
	Text             *apiText     `json:"text,omitempty"`
	// BizOpaqueCallbackData echoes back on status callbacks and doubles as
	// the provider-side deduplication id.
	BizOpaqueCallbackData string `json:"biz_opaque_callback_data,omitempty"`
}

type apiTemplate struct {
	Name       string         `json:"name"`
	Language   apiLanguage    `json:"language"`
	Components []apiComponent `json:"components,omitempty"`
}

type apiLanguage struct {
	Code string `json:"code"`
}

type apiComponent struct {
	Type       string         `json:"type"`
	Parameters []apiParameter `json:"parameters"`
}

type apiParameter struct {
	Type     string       `json:"type"`
	Text     string       `json:"text,omitempty"`
	Currency *apiFallback `json:"currency,omitempty"`
	DateTime *apiFallback `json:"date_time,omitempty"`
}

// apiFallback carries the display string for localizable parameters.
type apiFallback struct {
	FallbackValue string `json:"fallback_value"`
}

type apiText struct {
	Body string `json:"body"`
}

type apiResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
	Error *apiError `json:"error"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    int    `json:"code"`
	Subcode int    `json:"error_subcode"`
}

func (c *Client) send(ctx context.Context, req provider.SendRequest) (*provider.SendResult, error) {
	body, err := json.Marshal(buildRequest(req))
	if err != nil {
		return nil, fmt.Errorf("marshal send request: %w", err)
	}

	url := fmt.Sprintf("%s/%s/%s/messages",
		c.cfg.BaseURL, c.cfg.APIVersion, c.cfg.PhoneNumberID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build send request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.AccessToken)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		// Network-level failures (timeouts, resets) are retryable.
		return nil, provider.NewTransient("network", err.Error())
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, provider.NewTransient("network", err.Error())
	}

	var parsed apiResponse
	if err := json.Unmarshal(raw, &parsed); err != nil && resp.StatusCode < 400 {
		return nil, provider.NewTransient("malformed_response", err.Error())
	}

	if resp.StatusCode >= 400 {
		return nil, classify(resp.StatusCode, parsed.Error)
	}
	if len(parsed.Messages) == 0 {
		return nil, provider.NewPermanent("empty_response", "provider returned no message id")
	}

	c.logger.Debug("provider accepted message",
		zap.String("provider_message_id", parsed.Messages[0].ID),
		zap.String("recipient", req.Recipient))

	return &provider.SendResult{
		ProviderMessageID: parsed.Messages[0].ID,
		RawResponse:       raw,
	}, nil
}

func buildRequest(req provider.SendRequest) apiRequest {
	out := apiRequest{
		MessagingProduct:      "whatsapp",
		RecipientType:         "individual",
		To:                    req.Recipient,
		BizOpaqueCallbackData: req.DedupID,
	}

	if tpl := req.Payload.Template; tpl != nil {
		out.Type = "template"
		out.Template = &apiTemplate{
			Name:     tpl.Name,
			Language: apiLanguage{Code: tpl.Language},
		}
		if len(tpl.Parameters) > 0 {
			component := apiComponent{Type: "body"}
			for _, p := range tpl.Parameters {
				component.Parameters = append(component.Parameters, buildParameter(p))
			}
			out.Template.Components = []apiComponent{component}
		}
		return out
	}

	out.Type = "text"
	out.Text = &apiText{Body: req.Payload.Text.Body}
	return out
}

func buildParameter(p notifications.TemplateParameter) apiParameter {
	switch p.Type {
	case notifications.ParameterCurrency:
		return apiParameter{Type: "currency", Currency: &apiFallback{FallbackValue: p.Value}}
	case notifications.ParameterDateTime:
		return apiParameter{Type: "date_time", DateTime: &apiFallback{FallbackValue: p.Value}}
	default:
		return apiParameter{Type: string(notifications.ParameterText), Text: p.Value}
	}
}

// classify maps an HTTP status plus optional provider error body onto the
// transient/permanent taxonomy. Unknown provider codes default to permanent.
func classify(httpStatus int, apiErr *apiError) *provider.SendError {
	code := strconv.Itoa(httpStatus)
	message := http.StatusText(httpStatus)
	if apiErr != nil {
		code = strconv.Itoa(apiErr.Code)
		message = apiErr.Message
		if transientProviderCodes[apiErr.Code] {
			return provider.NewTransient(code, message)
		}
	}

	switch {
	case httpStatus == http.StatusRequestTimeout,
		httpStatus == http.StatusTooManyRequests,
		httpStatus >= 500:
		return provider.NewTransient(code, message)
	default:
		return provider.NewPermanent(code, message)
	}
}
