// Package broker implements the council request/response contract: it
// validates a query, hands it to the extension over the registry, waits for
// the correlated answer or a deadline, and records the outcome.
package broker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lifeos-nexus/council/internal/registry"
	"github.com/lifeos-nexus/council/internal/store"
	"github.com/lifeos-nexus/council/internal/transport"
	"github.com/lifeos-nexus/council/pkg/models"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("council-server/broker")

const (
	msgNotConnected   = "Extension not connected"
	msgQueryRequired  = "Query is required"
	msgCancelled      = "Request cancelled"
	msgUnknownError   = "Unknown error"
	msgInvalidTimeout = "Timeout must be a non-negative number of milliseconds"
)

// Options holds the broker's deadlines and retention.
type Options struct {
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration
	ProxyTimeout   time.Duration
	RetainCount    int
}

// DefaultOptions returns the extension contract's standard limits.
func DefaultOptions() Options {
	return Options{
		DefaultTimeout: 120 * time.Second,
		MaxTimeout:     300 * time.Second,
		ProxyTimeout:   10 * time.Second,
		RetainCount:    50,
	}
}

// Error is a failed prompt with its HTTP status and machine-readable code.
type Error struct {
	Code      models.ErrorCode
	Status    int
	Message   string
	RequestID string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Response renders the error as a POST /prompt body.
func (e *Error) Response() *models.PromptResponse {
	return &models.PromptResponse{
		Success:   false,
		RequestID: e.RequestID,
		Error:     e.Message,
		ErrorCode: e.Code,
	}
}

// Broker coordinates HTTP callers with the extension.
type Broker struct {
	reg   *registry.Registry
	store store.RequestStore
	opts  Options
	now   func() time.Time
	newID func() string
}

// New creates a broker. Zero-valued options fall back to DefaultOptions.
func New(reg *registry.Registry, s store.RequestStore, opts Options) *Broker {
	def := DefaultOptions()
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = def.DefaultTimeout
	}
	if opts.MaxTimeout <= 0 {
		opts.MaxTimeout = def.MaxTimeout
	}
	if opts.ProxyTimeout <= 0 {
		opts.ProxyTimeout = def.ProxyTimeout
	}
	if opts.RetainCount <= 0 {
		opts.RetainCount = def.RetainCount
	}
	return &Broker{
		reg:   reg,
		store: s,
		opts:  opts,
		now:   time.Now,
		newID: uuid.NewString,
	}
}

// Connected reports whether an extension is attached.
func (b *Broker) Connected() bool {
	return b.reg.IsConnected()
}

// EffectiveTimeout returns min(requested or default, max).
func (b *Broker) EffectiveTimeout(requestedMs *int64) time.Duration {
	if requestedMs == nil {
		return min(b.opts.DefaultTimeout, b.opts.MaxTimeout)
	}
	// Clamp in milliseconds; converting first overflows for huge values.
	if *requestedMs >= b.opts.MaxTimeout.Milliseconds() {
		return b.opts.MaxTimeout
	}
	return time.Duration(*requestedMs) * time.Millisecond
}

// SubmitPrompt runs one council request end to end. A non-nil *Error means
// the request failed before or while waiting; an extension-reported failure
// is returned as a response with Success=false and COUNCIL_ERROR.
func (b *Broker) SubmitPrompt(ctx context.Context, req models.PromptRequest) (*models.PromptResponse, error) {
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, &Error{Code: models.ErrorCodeInvalidRequest, Status: http.StatusBadRequest, Message: msgQueryRequired}
	}
	if req.Timeout != nil && *req.Timeout < 0 {
		return nil, &Error{Code: models.ErrorCodeInvalidRequest, Status: http.StatusBadRequest, Message: msgInvalidTimeout}
	}
	if !b.reg.IsConnected() {
		return nil, &Error{Code: models.ErrorCodeNoExtension, Status: http.StatusServiceUnavailable, Message: msgNotConnected}
	}

	timeout := b.EffectiveTimeout(req.Timeout)
	tier := req.Tier
	if tier == "" {
		tier = models.DefaultTier
	}
	id := b.newID()

	ctx, span := tracer.Start(ctx, "council.prompt", trace.WithAttributes(
		attribute.String("council.request_id", id),
		attribute.String("council.tier", tier),
		attribute.Int64("council.timeout_ms", timeout.Milliseconds()),
	))
	defer span.End()

	// Persistence must finish even if the caller hangs up.
	dbCtx := context.WithoutCancel(ctx)

	if err := b.store.Save(dbCtx, id, query, tier); err != nil {
		log.Error().Err(err).Str("request_id", id).Msg("Failed to save council request")
	} else {
		log.Info().Str("request_id", id).Str("tier", tier).Msg("📝 Council request saved")
	}
	if err := b.store.MarkProcessing(dbCtx, id); err != nil {
		log.Error().Err(err).Str("request_id", id).Msg("Failed to mark council request processing")
	}

	ch, err := b.reg.RegisterCouncil(id)
	if err != nil {
		b.fail(dbCtx, id, err.Error())
		return nil, b.spanError(span, &Error{Code: models.ErrorCodeServerError, Status: http.StatusInternalServerError, Message: err.Error(), RequestID: id})
	}

	if err := transport.SendCouncilRequest(b.reg, id, query, tier, b.now().UnixMilli()); err != nil {
		b.reg.CancelCouncil(id)
		msg := sendErrorMessage(err)
		b.fail(dbCtx, id, msg)
		return nil, b.spanError(span, &Error{Code: models.ErrorCodeServerError, Status: http.StatusInternalServerError, Message: msg, RequestID: id})
	}

	start := b.now()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var (
		resp models.CouncilResponse
		ok   bool
	)
	select {
	case resp, ok = <-ch:
	case <-timer.C:
		if b.reg.CancelCouncil(id) {
			msg := fmt.Sprintf("Request timed out after %dms", timeout.Milliseconds())
			log.Warn().Str("request_id", id).Dur("timeout", timeout).Msg("⏱️ Council request timed out")
			b.fail(dbCtx, id, msg)
			return nil, b.spanError(span, &Error{Code: models.ErrorCodeTimeout, Status: http.StatusGatewayTimeout, Message: msg, RequestID: id})
		}
		// Resolved concurrently with the deadline; the value is already on its way.
		resp, ok = <-ch
	case <-ctx.Done():
		if b.reg.CancelCouncil(id) {
			log.Info().Str("request_id", id).Msg("Caller went away before council response")
			b.fail(dbCtx, id, msgCancelled)
			return nil, b.spanError(span, &Error{Code: models.ErrorCodeServerError, Status: http.StatusInternalServerError, Message: msgCancelled, RequestID: id})
		}
		resp, ok = <-ch
	}

	if !ok {
		b.fail(dbCtx, id, msgCancelled)
		return nil, b.spanError(span, &Error{Code: models.ErrorCodeServerError, Status: http.StatusInternalServerError, Message: msgCancelled, RequestID: id})
	}

	return b.finish(dbCtx, span, id, resp, b.now().Sub(start)), nil
}

// finish persists a received response and shapes the HTTP body.
func (b *Broker) finish(ctx context.Context, span trace.Span, id string, resp models.CouncilResponse, elapsed time.Duration) *models.PromptResponse {
	duration := elapsed.Milliseconds()

	if resp.Success {
		stored := resp
		if stored.Duration == nil {
			stored.Duration = &duration
		}
		if err := b.store.Complete(ctx, id, &stored); err != nil {
			log.Error().Err(err).Str("request_id", id).Msg("Failed to record council completion")
		}
	} else {
		msg := resp.Error
		if msg == "" {
			msg = msgUnknownError
		}
		b.fail(ctx, id, msg)
	}
	log.Info().Str("request_id", id).Bool("success", resp.Success).Int64("duration_ms", duration).Msg("✅ Council request finished")

	if n, err := b.store.Prune(ctx, b.opts.RetainCount); err != nil {
		log.Error().Err(err).Msg("Failed to prune council requests")
	} else if n > 0 {
		log.Debug().Int64("pruned", n).Msg("Pruned old council requests")
	}

	out := &models.PromptResponse{
		Success:   resp.Success,
		RequestID: id,
		Stage1:    resp.Stage1,
		Stage2:    resp.Stage2,
		Stage3:    resp.Stage3,
		Metadata:  resp.Metadata,
		Error:     resp.Error,
		Duration:  &duration,
	}
	if !resp.Success {
		out.ErrorCode = models.ErrorCodeCouncilError
		span.SetStatus(codes.Error, string(models.ErrorCodeCouncilError))
	}
	span.SetAttributes(attribute.Bool("council.success", resp.Success), attribute.Int64("council.duration_ms", duration))
	return out
}

// ActiveRequest returns the newest in-flight request with its latest
// progress payload attached, or nil.
func (b *Broker) ActiveRequest(ctx context.Context) (*models.CouncilRequest, error) {
	req, err := b.store.GetActive(ctx)
	if err != nil || req == nil {
		return req, err
	}
	if p, ok := b.reg.Progress(req.ID); ok {
		req.Progress = p
	}
	return req, nil
}

func (b *Broker) fail(ctx context.Context, id, msg string) {
	if err := b.store.Fail(ctx, id, msg); err != nil {
		log.Error().Err(err).Str("request_id", id).Msg("Failed to record council failure")
	}
}

func (b *Broker) spanError(span trace.Span, e *Error) *Error {
	span.SetStatus(codes.Error, e.Message)
	span.SetAttributes(attribute.String("council.error_code", string(e.Code)))
	return e
}

func sendErrorMessage(err error) string {
	if errors.Is(err, registry.ErrNotConnected) {
		return msgNotConnected
	}
	return err.Error()
}
