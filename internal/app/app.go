// Package app assembles the authentication core from a Config. Both the
// server and the operator CLI start from here.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/and161185/clinauth/internal/audit"
	"github.com/and161185/clinauth/internal/config"
	"github.com/and161185/clinauth/internal/crypto/sealer"
	"github.com/and161185/clinauth/internal/limiter"
	"github.com/and161185/clinauth/internal/mfa"
	"github.com/and161185/clinauth/internal/notify"
	"github.com/and161185/clinauth/internal/obs"
	"github.com/and161185/clinauth/internal/rbac"
	"github.com/and161185/clinauth/internal/repository"
	"github.com/and161185/clinauth/internal/repository/memory"
	"github.com/and161185/clinauth/internal/repository/postgres"
	"github.com/and161185/clinauth/internal/service"
	"github.com/and161185/clinauth/internal/token"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const auditDrainTimeout = 5 * time.Second

// App holds the wired services.
type App struct {
	Auth       *service.AuthServiceImpl
	MFA        *mfa.Service
	Authz      *rbac.Evaluator
	Principals repository.PrincipalRepository
	Metrics    *obs.Metrics

	audit *audit.Dispatcher
	pool  *pgxpool.Pool
	log   *zap.Logger
}

type stores struct {
	principals  repository.PrincipalRepository
	sessions    repository.SessionRepository
	invitations repository.InvitationRepository
	mfa         repository.MFARepository
	edges       repository.RelationshipRepository
	limiter     limiter.Limiter
	sink        audit.Sink
}

// New wires every component. reg receives the metrics; nil skips registration.
func New(ctx context.Context, cfg config.Config, log *zap.Logger, reg prometheus.Registerer) (*App, error) {
	key, err := cfg.MFAKey()
	if err != nil {
		return nil, err
	}
	seal, err := sealer.New(key)
	if err != nil {
		return nil, err
	}
	codec, err := token.New([]byte(cfg.Tokens.SigningKey), cfg.Tokens.Issuer)
	if err != nil {
		return nil, err
	}

	a := &App{Metrics: obs.New(reg), log: log}
	policy := limiter.Policy{MaxFailures: cfg.Lockout.MaxFailures, LockFor: cfg.Lockout.Duration}

	var st stores
	switch cfg.Database.Driver {
	case "memory":
		log.Warn("using the in-memory store; state is lost on exit")
		m := memory.New(policy)
		st = stores{m, m, m, m, m, m, audit.NewLogSink(log)}
	default:
		pool, err := pgxpool.New(ctx, string(cfg.Database.DSN))
		if err != nil {
			return nil, fmt.Errorf("connecting to database: %w", err)
		}
		a.pool = pool
		db := &postgres.DB{Pool: pool}
		st = stores{
			principals:  postgres.NewPrincipalRepo(db),
			sessions:    postgres.NewSessionRepo(db),
			invitations: postgres.NewInvitationRepo(db),
			mfa:         postgres.NewMFARepo(db),
			edges:       postgres.NewRelationshipRepo(db),
			limiter:     limiter.NewPG(pool, policy),
			sink:        audit.Tee{audit.NewPGSink(pool), audit.NewLogSink(log)},
		}
	}

	a.audit = audit.NewDispatcher(st.sink, cfg.Audit.BufferSize, log, a.Metrics)
	a.Principals = st.principals
	var notifier notify.Dispatcher = notify.NewLogDispatcher(log)
	if cfg.Notify.Driver == "webhook" {
		notifier = notify.NewWebhookDispatcher(cfg.Notify.WebhookURL, cfg.Notify.Timeout, log)
	} else {
		log.Warn("notify driver is log: SMS codes and invitations are not delivered")
	}

	a.MFA = mfa.New(mfa.Config{
		Issuer:          cfg.MFA.Issuer,
		SMSCodeTTL:      cfg.MFA.SMSCodeTTL,
		TOTPSkew:        cfg.MFA.TOTPSkew,
		BackupCodeCount: cfg.MFA.BackupCodeCount,
		MaxSMSFailures:  cfg.Lockout.MaxFailures,
	}, mfa.Deps{
		Repo:     st.mfa,
		Sealer:   seal,
		Notifier: notifier,
		Audit:    a.audit,
		Metrics:  a.Metrics,
		Log:      log.Named("mfa"),
	})

	a.Authz = rbac.New(st.principals, st.edges, a.audit, rbac.WithLogger(log.Named("rbac")), rbac.WithMetrics(a.Metrics))

	a.Auth = service.NewAuthService(service.Config{
		AccessTTL:   cfg.Tokens.AccessTTL,
		RefreshTTL:  cfg.Tokens.RefreshTTL,
		IdleTimeout: cfg.Session.IdleTimeout,
		InviteTTL:   cfg.Invite.TTL,
	}, service.Deps{
		Principals:  st.principals,
		Sessions:    st.sessions,
		Invitations: st.invitations,
		Limiter:     st.limiter,
		Codec:       codec,
		MFA:         a.MFA,
		Notifier:    notifier,
		Audit:       a.audit,
		Metrics:     a.Metrics,
		Log:         log.Named("auth"),
	})
	return a, nil
}

// RunPruner calls PruneExpired every interval until ctx ends.
func (a *App) RunPruner(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			stats, err := a.Auth.PruneExpired(ctx)
			if err != nil {
				a.log.Warn("prune failed", zap.Error(err))
				continue
			}
			a.log.Debug("pruned", zap.Int64("revocations", stats.Revocations), zap.Int64("challenges", stats.Challenges))
		}
	}
}

// Close drains the audit buffer and closes the database pool.
func (a *App) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), auditDrainTimeout)
	defer cancel()
	if err := a.audit.Close(ctx); err != nil {
		a.log.Warn("audit buffer not drained", zap.Uint64("dropped", a.audit.Dropped()), zap.Error(err))
	}
	if a.pool != nil {
		a.pool.Close()
	}
}
