package outbound

import (
	"context"
	"time"

	"courier"
)

// LeaseGrant is the store's view of a held or contended lease.
type LeaseGrant struct {
	AccountID string
	OwnerID   string
	ExpiresAt time.Time
}

// Store is the remote transactional store the runtime depends on. It owns
// the atomicity of every operation: at most one non-expired owner per
// account lease, and at most one claimer per job within its lock window.
// The runtime is only responsible for using these operations correctly.
type Store interface {
	// UpsertAccount registers the account this worker operates.
	UpsertAccount(ctx context.Context, accountID, displayAddress string, enabled bool) error

	// AcquireLease attempts to take exclusive ownership of an account
	// scope for ttl. acquired is false when another owner holds a live
	// lease; the returned grant then describes the incumbent when known.
	AcquireLease(ctx context.Context, accountID, ownerID string, ttl time.Duration) (grant LeaseGrant, acquired bool, err error)

	// HeartbeatLease extends the lease if ownerID still holds it.
	// A false result means the lease is no longer ours.
	HeartbeatLease(ctx context.Context, accountID, ownerID string, ttl time.Duration) (bool, error)

	// ReleaseLease relinquishes the lease on clean shutdown, best-effort.
	ReleaseLease(ctx context.Context, accountID, ownerID string) (bool, error)

	// ClaimNextOutbound atomically claims the oldest queued job for the
	// account, making it invisible to other claimers for lockFor.
	// Returns nil when the queue is empty.
	ClaimNextOutbound(ctx context.Context, processorID string, channel courier.Channel, accountID string, lockFor time.Duration) (*Job, error)

	// CompleteOutbound marks a claimed job delivered.
	CompleteOutbound(ctx context.Context, id string) error

	// FailOutbound marks a claimed job failed. retry=false is terminal;
	// retry=true hands re-delivery policy back to the queue.
	FailOutbound(ctx context.Context, id string, cause string, retry bool) error
}
