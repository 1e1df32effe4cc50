package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lifeos-nexus/council/internal/registry"
	"github.com/lifeos-nexus/council/internal/transport"
	"github.com/lifeos-nexus/council/pkg/models"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrDispatch wraps a failure to hand a proxy request to the extension.
	ErrDispatch = errors.New("failed to dispatch to extension")
	// ErrTimeout is returned when the extension does not answer in time.
	ErrTimeout = errors.New("timed out waiting for extension")
	// ErrCancelled is returned when the wait ended without an answer.
	ErrCancelled = errors.New("request cancelled")
)

// Proxy sends a proxy-class request and waits up to the proxy timeout for
// the extension's payload. Errors are registry.ErrNotConnected, ErrDispatch
// (wrapped), ErrTimeout or ErrCancelled.
func (b *Broker) Proxy(ctx context.Context, msgType string, payload any) (json.RawMessage, error) {
	if !b.reg.IsConnected() {
		return nil, registry.ErrNotConnected
	}

	id := b.newID()
	ctx, span := tracer.Start(ctx, "council.proxy", trace.WithAttributes(
		attribute.String("council.request_id", id),
		attribute.String("council.proxy_type", msgType),
	))
	defer span.End()

	ch, err := b.reg.RegisterProxy(id)
	if err != nil {
		return nil, b.proxyError(span, fmt.Errorf("%w: %w", ErrDispatch, err))
	}
	if err := transport.SendProxyRequest(b.reg, msgType, id, payload); err != nil {
		b.reg.CancelProxy(id)
		return nil, b.proxyError(span, fmt.Errorf("%w: %w", ErrDispatch, err))
	}

	timer := time.NewTimer(b.opts.ProxyTimeout)
	defer timer.Stop()

	var (
		body json.RawMessage
		ok   bool
	)
	select {
	case body, ok = <-ch:
	case <-timer.C:
		if b.reg.CancelProxy(id) {
			log.Warn().Str("type", msgType).Str("request_id", id).Msg("⏱️ Proxy request timed out")
			return nil, b.proxyError(span, ErrTimeout)
		}
		body, ok = <-ch
	case <-ctx.Done():
		if b.reg.CancelProxy(id) {
			return nil, b.proxyError(span, ErrCancelled)
		}
		body, ok = <-ch
	}
	if !ok {
		return nil, b.proxyError(span, ErrCancelled)
	}
	return body, nil
}

func (b *Broker) proxyError(span trace.Span, err error) error {
	span.SetStatus(codes.Error, err.Error())
	return err
}

// ── Auth Status ─────────────────────────────────────────────

// AuthStatus asks the extension which vendor sessions are logged in. It
// never returns an error; failures are described in the response.
func (b *Broker) AuthStatus(ctx context.Context) models.AuthStatusResponse {
	if !b.reg.IsConnected() {
		return models.AuthStatusResponse{
			Success:            false,
			Status:             &models.LLMAuthStatus{Timestamp: b.now().UnixMilli()},
			ExtensionConnected: false,
			Error:              msgNotConnected,
		}
	}

	body, err := b.Proxy(ctx, transport.TypeGetAuthStatus, nil)
	switch {
	case err == nil:
	case errors.Is(err, ErrDispatch):
		return models.AuthStatusResponse{ExtensionConnected: true, Error: DispatchMessage(err)}
	case errors.Is(err, registry.ErrNotConnected):
		return models.AuthStatusResponse{ExtensionConnected: false, Error: msgNotConnected}
	default:
		return models.AuthStatusResponse{ExtensionConnected: true, Error: "Timeout waiting for auth status"}
	}

	status, perr := decodeAuthStatus(body)
	if perr != nil {
		log.Warn().Err(perr).Msg("Extension returned an unusable auth status")
		return models.AuthStatusResponse{ExtensionConnected: true, Error: perr.Error()}
	}
	return models.AuthStatusResponse{Success: true, Status: status, ExtensionConnected: true}
}

// decodeAuthStatus requires all four fields; an {"error": ...} payload is
// reported as its message.
func decodeAuthStatus(body json.RawMessage) (*models.LLMAuthStatus, error) {
	var probe struct {
		ChatGPT   *bool   `json:"chatgpt"`
		Claude    *bool   `json:"claude"`
		Gemini    *bool   `json:"gemini"`
		Timestamp *int64  `json:"timestamp"`
		Error     *string `json:"error"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return nil, fmt.Errorf("invalid auth status: %w", err)
	}
	if probe.ChatGPT == nil || probe.Claude == nil || probe.Gemini == nil || probe.Timestamp == nil {
		if probe.Error != nil && *probe.Error != "" {
			return nil, errors.New(*probe.Error)
		}
		return nil, errors.New("invalid auth status: missing fields")
	}
	return &models.LLMAuthStatus{
		ChatGPT:   *probe.ChatGPT,
		Claude:    *probe.Claude,
		Gemini:    *probe.Gemini,
		Timestamp: *probe.Timestamp,
	}, nil
}

// ── Conversations ───────────────────────────────────────────

type conversationRef struct {
	ID string `json:"id"`
}

// ListConversations returns the extension's conversation history as-is.
func (b *Broker) ListConversations(ctx context.Context) (json.RawMessage, error) {
	return b.Proxy(ctx, transport.TypeGetHistoryList, nil)
}

// GetConversation returns one conversation as-is.
func (b *Broker) GetConversation(ctx context.Context, id string) (json.RawMessage, error) {
	return b.Proxy(ctx, transport.TypeGetConversation, conversationRef{ID: id})
}

// DeleteConversation asks the extension to delete a conversation and
// returns its result as-is.
func (b *Broker) DeleteConversation(ctx context.Context, id string) (json.RawMessage, error) {
	return b.Proxy(ctx, transport.TypeDeleteConversation, conversationRef{ID: id})
}

// DispatchMessage is the user-facing text for an ErrDispatch failure.
func DispatchMessage(err error) string {
	if errors.Is(err, registry.ErrNotConnected) {
		return msgNotConnected
	}
	return err.Error()
}
