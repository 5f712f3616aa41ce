package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"billingcore/internal/common/money"
)

const (
	// Normalized failure reasons reported in PaymentResult.Reason.
	ReasonProviderTimeout = "provider_timeout"
	ReasonProviderError   = "provider_error"
)

// Manager fronts the registry with a uniform call timeout. Adapter
// timeouts and transport failures come back as failed results, never
// as raw transport errors; typed domain errors pass through untouched.
type Manager struct {
	registry *Registry
	timeout  time.Duration
	logger   *slog.Logger
}

// NewManager creates a payment manager.
func NewManager(registry *Registry, timeout time.Duration, logger *slog.Logger) *Manager {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Manager{
		registry: registry,
		timeout:  timeout,
		logger:   logger,
	}
}

// Registry exposes the underlying registry.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// CreatePayment creates a charge with the named provider.
func (m *Manager) CreatePayment(ctx context.Context, name ProviderName, req ChargeRequest) (*PaymentResult, error) {
	p, err := m.registry.Resolve(name)
	if err != nil {
		return nil, err
	}
	return m.call(ctx, name, "charge", func(ctx context.Context) (*PaymentResult, error) {
		return p.Charge(ctx, req)
	})
}

// ConfirmPayment finalizes a two-phase charge.
func (m *Manager) ConfirmPayment(ctx context.Context, name ProviderName, externalRef string) (*PaymentResult, error) {
	p, err := m.registry.Resolve(name)
	if err != nil {
		return nil, err
	}
	return m.call(ctx, name, "confirm", func(ctx context.Context) (*PaymentResult, error) {
		return p.Confirm(ctx, externalRef)
	})
}

// RefundPayment refunds (part of) a charge with the named provider.
func (m *Manager) RefundPayment(ctx context.Context, name ProviderName, externalRef string, amount money.Money) (*PaymentResult, error) {
	p, err := m.registry.Resolve(name)
	if err != nil {
		return nil, err
	}
	return m.call(ctx, name, "refund", func(ctx context.Context) (*PaymentResult, error) {
		return p.Refund(ctx, externalRef, amount)
	})
}

// ParseWebhook verifies and translates a provider notification. No
// timeout applies; parsing is local.
func (m *Manager) ParseWebhook(name ProviderName, payload []byte, signature string) (*WebhookEvent, error) {
	p, err := m.registry.Resolve(name)
	if err != nil {
		return nil, err
	}
	event, err := p.ParseWebhook(payload, signature)
	if err != nil {
		return nil, err
	}
	event.Provider = name
	return event, nil
}

func (m *Manager) call(ctx context.Context, name ProviderName, op string, fn func(ctx context.Context) (*PaymentResult, error)) (*PaymentResult, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	start := time.Now()
	result, err := fn(ctx)
	elapsed := time.Since(start)

	if err != nil {
		switch {
		case errors.Is(err, ErrUnsupportedOperation):
			return nil, fmt.Errorf("%s %s: %w", name, op, ErrUnsupportedOperation)
		case errors.Is(err, context.DeadlineExceeded), errors.Is(err, ErrProviderTimeout):
			m.logger.Warn("provider call timed out",
				"provider", name,
				"operation", op,
				"timeout", m.timeout,
				"elapsed_ms", elapsed.Milliseconds(),
			)
			return &PaymentResult{Success: false, Status: StatusFailed, Reason: ReasonProviderTimeout}, nil
		default:
			m.logger.Error("provider call failed",
				"provider", name,
				"operation", op,
				"error", err,
				"elapsed_ms", elapsed.Milliseconds(),
			)
			return &PaymentResult{Success: false, Status: StatusFailed, Reason: ReasonProviderError}, nil
		}
	}

	m.logger.Debug("provider call completed",
		"provider", name,
		"operation", op,
		"success", result.Success,
		"elapsed_ms", elapsed.Milliseconds(),
	)
	return result, nil
}

// DetectProvider guesses the provider from an external reference
// prefix. Refunds resolve the provider from the stored intent; this is
// a fallback for operator tooling only.
func DetectProvider(externalRef string) (ProviderName, bool) {
	switch {
	case strings.HasPrefix(externalRef, "pi_"), strings.HasPrefix(externalRef, "ch_"):
		return ProviderCard, true
	case strings.HasPrefix(externalRef, "wlt_"):
		return ProviderWallet, true
	case strings.HasPrefix(externalRef, "BT-"):
		return ProviderBankTransfer, true
	case strings.HasPrefix(externalRef, "GPA."):
		return ProviderGooglePlay, true
	default:
		return "", false
	}
}
