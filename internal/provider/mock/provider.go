// Package mock is a deterministic in-process provider used for local runs
// (no access token configured) and tests. The outcome is derived from the
// dedup id hash so a given notification always behaves the same way.
package mock

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"whatsapp-relay/internal/provider"
)

type Provider struct {
	logger       *zap.Logger
	successRate  float64
	tempFailRate float64
	latency      time.Duration
}

func NewProvider(logger *zap.Logger) *Provider {
	return &Provider{
		logger:       logger,
		successRate:  0.95,
		tempFailRate: 0.03,
		latency:      50 * time.Millisecond,
	}
}

func (p *Provider) Name() string { return "mock" }

func (p *Provider) Send(ctx context.Context, req provider.SendRequest) (*provider.SendResult, error) {
	select {
	case <-time.After(p.latency):
	case <-ctx.Done():
		return nil, provider.NewTransient("network", ctx.Err().Error())
	}

	hash := md5.Sum([]byte(req.DedupID))
	roll := float64(hash[0]) / 255.0

	switch {
	case roll < p.successRate:
		id := "wamid.mock_" + hex.EncodeToString(hash[:])[:16]
		raw, _ := json.Marshal(map[string]any{
			"messaging_product": "whatsapp",
			"messages":          []map[string]string{{"id": id}},
		})
		p.logger.Debug("mock provider accepted message",
			zap.String("provider_message_id", id),
			zap.String("recipient", req.Recipient))
		return &provider.SendResult{ProviderMessageID: id, RawResponse: raw}, nil

	case roll < p.successRate+p.tempFailRate:
		return nil, provider.NewTransient("2", "mock: service temporarily unavailable")

	default:
		return nil, provider.NewPermanent("131026", fmt.Sprintf("mock: undeliverable recipient %s", req.Recipient))
	}
}
