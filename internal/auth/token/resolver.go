package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pysugar/oauth2-credentials/internal/credential"
	"github.com/pysugar/oauth2-credentials/internal/db/models"
	"github.com/pysugar/oauth2-credentials/internal/monitor"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultProbeTimeout bounds the online token check.
const DefaultProbeTimeout = 10 * time.Second

// DefaultRefreshTimeout bounds one refresh exchange, persisting the new
// token included.
const DefaultRefreshTimeout = 30 * time.Second

// TimestampReader reads when an account's access token was issued.
type TimestampReader interface {
	GetTokenCreatedAt(ctx context.Context, accountID int) (*time.Time, error)
}

// APIClient is the provider client surface the token engine drives.
type APIClient interface {
	SetBearerToken(token string)
	TestToken(ctx context.Context) error
	GetUserInfo(ctx context.Context) (*credential.UserInfo, error)
	RefreshToken(ctx context.Context, accessToken, refreshToken, clientID string) (*credential.RefreshedFields, error)
}

// ClientFactory builds an API client for a provider base URL.
type ClientFactory func(server string) APIClient

// EventRecorder receives refresh and probe outcomes.
type EventRecorder interface {
	Record(ctx context.Context, event models.TokenEvent)
}

type options struct {
	now          func() time.Time
	probeTimeout   time.Duration
	refreshTimeout time.Duration
	logger         zerolog.Logger
	events         EventRecorder
	provider       string
}

// Option customises a Resolver or Manager.
type Option func(*options)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithProbeTimeout bounds the online check.
func WithProbeTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.probeTimeout = d
		}
	}
}

// WithRefreshTimeout bounds a refresh exchange.
func WithRefreshTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.refreshTimeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithEventRecorder records every refresh and probe outcome.
func WithEventRecorder(r EventRecorder) Option {
	return func(o *options) { o.events = r }
}

// WithProvider sets the provider whose accounts are managed.
func WithProvider(provider string) Option {
	return func(o *options) {
		if provider != "" {
			o.provider = provider
		}
	}
}

func newOptions(opts []Option) options {
	o := options{
		now:            time.Now,
		probeTimeout:   DefaultProbeTimeout,
		refreshTimeout: DefaultRefreshTimeout,
		logger:         log.Logger,
		provider:       credential.DefaultProvider,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Resolver decides whether an access token is usable: first locally from
// the issue timestamp, then online against the user-info endpoint.
type Resolver struct {
	store   TimestampReader
	clients ClientFactory
	options
}

// NewResolver creates a resolver.
func NewResolver(store TimestampReader, clients ClientFactory, opts ...Option) *Resolver {
	return &Resolver{store: store, clients: clients, options: newOptions(opts)}
}

// Estimate returns the local expiry estimate for cred. An unreadable
// timestamp counts as no timestamp.
func (r *Resolver) Estimate(ctx context.Context, cred *credential.Credential) credential.ExpirationStatus {
	createdAt, err := r.store.GetTokenCreatedAt(ctx, cred.AccountID)
	if err != nil {
		r.logger.Warn().Err(err).Int("account_id", cred.AccountID).
			Msg("⚠️ Could not read token timestamp, expiry unknown")
		createdAt = nil
	}
	return EstimateExpiration(createdAt, cred.ExpiresIn, r.now())
}

// Resolve returns the verdict on cred's access token. It never fails: every
// problem is reported through the status.
func (r *Resolver) Resolve(ctx context.Context, cred *credential.Credential) credential.TokenStatus {
	if !cred.IsValid() {
		return credential.TokenStatus{
			Reason: "incomplete credential",
			Kind:   credential.KindIncompleteCredential,
		}
	}

	exp := r.Estimate(ctx, cred)
	if exp.HasExpiration && exp.IsExpired {
		remaining := time.Duration(0)
		return credential.TokenStatus{
			IsExpired:     true,
			Reason:        "locally expired at " + exp.ExpiresAt.Format(time.RFC3339),
			Kind:          credential.KindLocallyExpired,
			ExpiresAt:     exp.ExpiresAt,
			RemainingTime: &remaining,
		}
	}

	status := r.Probe(ctx, cred)
	if status.IsValid && exp.HasExpiration {
		remaining := exp.RemainingTime
		status.ExpiresAt = exp.ExpiresAt
		status.RemainingTime = &remaining
	}
	return status
}

// Probe checks cred's access token online only, bounded by the probe
// timeout.
func (r *Resolver) Probe(ctx context.Context, cred *credential.Credential) credential.TokenStatus {
	probeCtx, cancel := context.WithTimeout(ctx, r.probeTimeout)
	defer cancel()

	client := r.clients(cred.Server)
	client.SetBearerToken(cred.AccessToken)

	start := time.Now()
	err := client.TestToken(probeCtx)
	recordEvent(ctx, r.events, cred.AccountID, monitor.OperationProbe, start, err)

	status := statusFromProbe(err)
	r.logger.Debug().Int("account_id", cred.AccountID).Str("reason", status.Reason).
		Dur("elapsed", time.Since(start)).Msg("🔍 Online token check")
	return status
}

func statusFromProbe(err error) credential.TokenStatus {
	if err == nil {
		return credential.TokenStatus{IsValid: true, Reason: "token valid"}
	}

	kind := credential.KindOf(err)
	switch kind {
	case credential.KindUnauthorized:
		return credential.TokenStatus{IsExpired: true, Reason: "unauthorized", Kind: kind}
	case credential.KindServerError:
		return credential.TokenStatus{Reason: fmt.Sprintf("server error: %d", credential.StatusOf(err)), Kind: kind}
	case credential.KindTimeout:
		return credential.TokenStatus{Reason: "timeout", Kind: kind}
	case credential.KindNetworkError:
		return credential.TokenStatus{Reason: "network error: " + errDetail(err), Kind: kind}
	default:
		return credential.TokenStatus{
			Reason: "validation failed: " + errDetail(err),
			Kind:   credential.KindValidationFailed,
		}
	}
}

func errDetail(err error) string {
	var e *credential.Error
	if errors.As(err, &e) {
		switch {
		case e.Err != nil:
			return e.Err.Error()
		case e.Detail != "":
			return e.Detail
		}
	}
	return err.Error()
}

func recordEvent(ctx context.Context, events EventRecorder, accountID int, operation string, start time.Time, err error) {
	if events == nil {
		return
	}
	event := models.TokenEvent{
		AccountID: accountID,
		Operation: operation,
		Outcome:   monitor.OutcomeOK,
		Duration:  time.Since(start).Milliseconds(),
	}
	if err != nil {
		event.Outcome = credential.KindOf(err).String()
		event.Status = credential.StatusOf(err)
		event.Error = err.Error()
	}
	events.Record(context.WithoutCancel(ctx), event)
}
