package outbound

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Monitor renews the account lease on a fixed interval and flips the
// session's lease-lost signal when a heartbeat is rejected or the store
// is unreachable. It never stops itself and never waits on the delivery
// loop; each tick is a single heartbeat round-trip.
type Monitor struct {
	store   Store
	session *Session
	cfg     Config
	metrics *Metrics
	log     zerolog.Logger
}

// NewMonitor constructs the liveness monitor for a session.
func NewMonitor(store Store, session *Session, cfg Config, metrics *Metrics, log zerolog.Logger) *Monitor {
	return &Monitor{
		store:   store,
		session: session,
		cfg:     cfg.withDefaults(),
		metrics: metrics,
		log:     log.With().Str("component", "liveness").Str("account_id", session.AccountID).Str("owner_id", session.OwnerID).Logger(),
	}
}

// Run heartbeats until the context is canceled at process exit.
func (m *Monitor) Run(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

func (m *Monitor) tick(ctx context.Context) {
	ok, err := m.store.HeartbeatLease(ctx, m.session.AccountID, m.session.OwnerID, m.cfg.LeaseTTL)
	if err != nil {
		// An unreachable store is indistinguishable from a lost lease;
		// assume loss and let the delivery loop re-acquire.
		if m.session.MarkLeaseLost() {
			m.metrics.ObserveLeaseLost()
		}
		m.metrics.ObserveHeartbeatError()
		m.log.Error().Err(err).Msg("lease_heartbeat_error")
		return
	}
	if !ok {
		if m.session.MarkLeaseLost() {
			m.metrics.ObserveLeaseLost()
		}
		m.metrics.ObserveHeartbeatRejected()
		m.log.Error().Msg("lease_heartbeat_rejected")
		return
	}
	m.metrics.ObserveHeartbeatOK()
	m.log.Debug().Msg("lease_heartbeat_ok")
}
