package outbound

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"courier"
	"courier/pii"
)

// Clock provides time functions for deterministic tests.
type Clock struct {
	Now   func() time.Time
	After func(time.Duration) <-chan time.Time
}

func (c Clock) withDefaults() Clock {
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.After == nil {
		c.After = time.After
	}
	return c
}

// Runner is the outbound delivery supervisor for one (channel, account).
// Run never returns under normal operation: every failure mode inside an
// iteration is logged, backed off, and retried.
type Runner struct {
	store   Store
	sender  courier.Sender
	session *Session
	channel courier.Channel
	cfg     Config
	clock   Clock
	metrics *Metrics
	log     zerolog.Logger
	edits   *editCache
}

// NewRunner constructs the delivery loop for a session and sender.
func NewRunner(store Store, sender courier.Sender, session *Session, channel courier.Channel, cfg Config, clock Clock, metrics *Metrics, log zerolog.Logger) *Runner {
	cfg = cfg.withDefaults()
	clock = clock.withDefaults()
	return &Runner{
		store:   store,
		sender:  sender,
		session: session,
		channel: channel,
		cfg:     cfg,
		clock:   clock,
		metrics: metrics,
		log: log.With().
			Str("component", "outbound").
			Str("channel", channel.String()).
			Str("account_id", session.AccountID).
			Str("owner_id", session.OwnerID).
			Logger(),
		edits: newEditCache(defaultEditCacheSize, defaultEditCacheTTL, clock.Now),
	}
}

// Acquire blocks until this worker holds the account lease, sleeping the
// contended-lease retry interval between attempts. There is no
// acquisition timeout: the only useful fallback is waiting for the
// incumbent to expire or release. Transport errors are returned to the
// caller's recovery loop rather than retried here.
func (r *Runner) Acquire(ctx context.Context) error {
	for {
		grant, acquired, err := r.store.AcquireLease(ctx, r.session.AccountID, r.session.OwnerID, r.cfg.LeaseTTL)
		if err != nil {
			return err
		}
		if acquired {
			r.session.recordExpiry(grant.ExpiresAt)
			r.metrics.ObserveLeaseAcquired()
			r.log.Info().Time("expires_at", grant.ExpiresAt).Msg("lease_acquired")
			return nil
		}
		r.metrics.ObserveLeaseContended()
		r.log.Info().Str("held_by", grant.OwnerID).Msg("lease_contended")
		if !r.sleep(ctx, r.cfg.LeaseRetry) {
			return ctx.Err()
		}
	}
}

// Run claims and delivers outbound jobs until the context is canceled at
// process exit.
func (r *Runner) Run(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if r.session.LeaseLost() {
			if err := r.Acquire(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				r.log.Error().Err(err).Msg("lease_reacquire_failed")
				if !r.sleep(ctx, r.cfg.ErrorBackoff) {
					return
				}
				continue
			}
			r.session.ClearLeaseLost()
			r.log.Info().Msg("lease_recovered")
		}

		job, err := r.store.ClaimNextOutbound(ctx, r.session.OwnerID, r.channel, r.session.AccountID, r.cfg.ClaimLock)
		if err != nil {
			r.loopError(ctx, err, "claim")
			continue
		}
		if job == nil {
			r.metrics.ObserveEmptyPoll()
			if !r.sleep(ctx, r.cfg.PollInterval) {
				return
			}
			continue
		}
		r.metrics.ObserveClaim()

		if strings.TrimSpace(job.To) == "" {
			// Permanent data defect on the job, never a channel fault.
			if err := r.store.FailOutbound(ctx, job.ID, "missing recipient on outbound job", false); err != nil {
				r.loopError(ctx, err, "fail")
				continue
			}
			r.metrics.ObservePermanentFailure()
			r.log.Warn().Str("job_id", job.ID).Msg("outbound_missing_recipient")
			continue
		}

		// Claiming and sending are separate suspension points: a lease
		// loss flagged in between must still prevent the send. The job
		// stays claimed and becomes reclaimable after its lock expires.
		if r.session.LeaseLost() {
			r.log.Warn().Str("job_id", job.ID).Msg("outbound_skipped_lease_lost")
			continue
		}

		if err := r.deliver(ctx, job); err != nil {
			r.loopError(ctx, err, "report")
			continue
		}
	}
}

// deliver sends one claimed job and reports the outcome to the queue.
// The returned error is a store reporting failure, never a channel
// failure; channel failures are classified and recorded here.
func (r *Runner) deliver(ctx context.Context, job *Job) error {
	if job.IsToolStream() {
		if editor, ok := r.sender.(courier.Editor); ok {
			return r.deliverToolStream(ctx, job, editor)
		}
		// Channel cannot edit; each chunk goes out as a fresh message.
	}

	if typer, ok := r.sender.(courier.Typer); ok {
		if err := typer.SendTyping(ctx, job.To); err != nil {
			r.log.Debug().Err(err).Str("job_id", job.ID).Msg("outbound_typing_failed")
		}
	}

	started := r.clock.Now()
	messageID, err := r.sender.Send(ctx, job.To, job.Payload.Content)
	if err != nil {
		// The adapter's normalized error already encodes whether the
		// failure is permanent; the queue owns re-delivery policy.
		r.metrics.ObserveSendFailure()
		r.log.Error().Err(err).
			Str("job_id", job.ID).
			Str("recipient", pii.MaskRecipient(job.To)).
			Msg("outbound_send_failed")
		return r.store.FailOutbound(ctx, job.ID, err.Error(), true)
	}
	r.metrics.ObserveDelivered(r.clock.Now().Sub(started))
	r.log.Info().
		Str("job_id", job.ID).
		Str("message_id", messageID).
		Str("recipient", pii.MaskRecipient(job.To)).
		Int("content_len", len(job.Payload.Content)).
		Msg("outbound_delivered")
	return r.store.CompleteOutbound(ctx, job.ID)
}

func (r *Runner) deliverToolStream(ctx context.Context, job *Job, editor courier.Editor) error {
	tool := job.Payload.Metadata.ToolName
	messageID, ok := r.edits.get(job.To, tool)
	if !ok {
		// First chunk for this correlation key starts the message chain.
		return r.deliverFirstChunk(ctx, job, tool)
	}

	if err := editor.Edit(ctx, job.To, messageID, job.Payload.Content); err != nil {
		r.metrics.ObserveSendFailure()
		r.log.Error().Err(err).
			Str("job_id", job.ID).
			Str("tool", tool).
			Str("message_id", messageID).
			Msg("outbound_edit_failed")
		// A stale target would make every later chunk fail the same way.
		r.edits.drop(job.To, tool)
		return r.store.FailOutbound(ctx, job.ID, err.Error(), true)
	}
	r.metrics.ObserveEdited()
	r.log.Info().
		Str("job_id", job.ID).
		Str("tool", tool).
		Str("message_id", messageID).
		Msg("outbound_edited")
	return r.store.CompleteOutbound(ctx, job.ID)
}

func (r *Runner) deliverFirstChunk(ctx context.Context, job *Job, tool string) error {
	started := r.clock.Now()
	messageID, err := r.sender.Send(ctx, job.To, job.Payload.Content)
	if err != nil {
		r.metrics.ObserveSendFailure()
		r.log.Error().Err(err).
			Str("job_id", job.ID).
			Str("tool", tool).
			Msg("outbound_send_failed")
		return r.store.FailOutbound(ctx, job.ID, err.Error(), true)
	}
	r.edits.put(job.To, tool, messageID)
	r.metrics.ObserveDelivered(r.clock.Now().Sub(started))
	r.log.Info().
		Str("job_id", job.ID).
		Str("tool", tool).
		Str("message_id", messageID).
		Msg("outbound_delivered")
	return r.store.CompleteOutbound(ctx, job.ID)
}

// loopError is the catch-all that keeps the supervisor alive: log, count,
// back off, continue.
func (r *Runner) loopError(ctx context.Context, err error, op string) {
	r.metrics.ObserveLoopError()
	r.log.Error().Err(err).Str("op", op).Msg("outbound_loop_error")
	r.sleep(ctx, r.cfg.ErrorBackoff)
}

func (r *Runner) sleep(ctx context.Context, delay time.Duration) bool {
	if delay <= 0 {
		return true
	}
	select {
	case <-ctx.Done():
		return false
	case <-r.clock.After(delay):
		return true
	}
}
