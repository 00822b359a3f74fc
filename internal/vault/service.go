// Package vault runs the record pipelines: upload, anchor, grant, revoke
// and view. Each call is a self-contained sequence against the ledger, the
// content store and the wallet; the service itself holds no mutable state.
package vault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/starford/healthvault/internal/apperr"
	"github.com/starford/healthvault/internal/blobstore"
	"github.com/starford/healthvault/internal/cache"
	"github.com/starford/healthvault/internal/ledger"
	"github.com/starford/healthvault/internal/metrics"
	"github.com/starford/healthvault/internal/models"
	"github.com/starford/healthvault/internal/risk"
	"github.com/starford/healthvault/internal/wallet"
)

// Recorder receives completed uploads and views. It is the local cache;
// failures to record are logged and never fail the pipeline.
type Recorder interface {
	AppendUpload(ctx context.Context, u cache.Upload) error
	AppendView(ctx context.Context, v cache.View) error
}

// Mutation describes a ledger-mutating call about to be submitted.
type Mutation struct {
	Method   string // addRecord, grantAccess or revokeAccess
	Caller   models.Identity
	RecordID models.RecordID // zero for addRecord
	Viewer   models.Identity // grant and revoke only
}

// SubmitHook runs immediately before a mutating ledger call. Returning an
// error abandons the pipeline with no ledger side effects. Once the hook
// returns nil the call is submitted and cancelling ctx no longer retracts it.
type SubmitHook func(ctx context.Context, m Mutation) error

// Service runs the pipelines.
type Service struct {
	ledger   *ledger.Client
	blobs    blobstore.Store
	wallet   wallet.Provider
	risk     risk.Scorer
	recorder Recorder
	hook     SubmitHook
	now      func() time.Time
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// Option configures a Service.
type Option func(*Service)

// WithRisk sets the scorer consulted before grant and view.
func WithRisk(s risk.Scorer) Option { return func(v *Service) { v.risk = s } }

// WithRecorder sets the local cache.
func WithRecorder(r Recorder) Option { return func(v *Service) { v.recorder = r } }

// WithSubmitHook sets the point-of-no-return hook.
func WithSubmitHook(h SubmitHook) Option { return func(v *Service) { v.hook = h } }

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(v *Service) { v.now = now } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(v *Service) { v.logger = l } }

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option { return func(v *Service) { v.metrics = m } }

// New builds a Service. Risk defaults to a static LOW scorer.
func New(l *ledger.Client, blobs blobstore.Store, w wallet.Provider, opts ...Option) *Service {
	s := &Service{
		ledger: l,
		blobs:  blobs,
		wallet: w,
		risk:   risk.Static(risk.Low),
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ledger exposes the ledger client for read-only callers such as the API.
func (s *Service) Ledger() *ledger.Client { return s.ledger }

// submit runs the hook and returns the context the mutating call must use.
func (s *Service) submit(ctx context.Context, m Mutation) (context.Context, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.hook != nil {
		if err := s.hook(ctx, m); err != nil {
			return nil, fmt.Errorf("vault: %s not submitted: %w", m.Method, err)
		}
	}
	s.logger.Info("vault: submitting ledger call",
		slog.String("method", m.Method),
		slog.String("caller", m.Caller.Short()),
		slog.String("record_id", m.RecordID.String()))
	return context.WithoutCancel(ctx), nil
}

func (s *Service) checkRisk(ctx context.Context, req risk.Request) error {
	lvl, err := s.risk.Score(ctx, req)
	if err != nil {
		return fmt.Errorf("vault: risk check: %w", err)
	}
	if lvl.Blocks() {
		s.logger.Warn("vault: blocked by risk check",
			slog.String("action", string(req.Action)),
			slog.String("caller", req.Caller.Short()),
			slog.String("record_id", req.RecordID.String()))
		return fmt.Errorf("vault: %s: %w", req.Action, apperr.ErrRiskBlocked)
	}
	return nil
}

// publicKey returns explicit when set, otherwise asks the wallet for the
// identity's encryption key. Only an identity the wallet does not know is
// the caller's fault.
func (s *Service) publicKey(ctx context.Context, identity models.Identity, explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	pub, err := s.wallet.PublicKey(ctx, identity)
	switch {
	case err == nil:
		return pub, nil
	case errors.Is(err, wallet.ErrUnknownIdentity):
		return "", apperr.Invalid("no encryption public key for %s: %v", identity.Short(), err)
	case errors.Is(err, context.DeadlineExceeded):
		return "", fmt.Errorf("vault: wallet public key: %w", apperr.ErrUpstreamTimeout)
	default:
		return "", fmt.Errorf("vault: wallet public key: %w", err)
	}
}

func requireIdentity(name string, id models.Identity) error {
	if !id.Valid() {
		return apperr.Invalid("%s: malformed address %q", name, id)
	}
	return nil
}
