package outbound

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	mssql "github.com/microsoft/go-mssqldb"

	"courier"
)

// defaultRetryBackoff is the base delay before a retryable failure
// becomes claimable again; it is scaled by the job's attempt count.
const defaultRetryBackoff = 5 * time.Second

// SQLStore implements Store on SQL Server. Every operation is a single
// statement (or an update-then-insert pair tolerant of unique-key races)
// so that claim/complete/fail and acquire/heartbeat/release stay atomic
// without client-side transactions.
type SQLStore struct {
	db           *sql.DB
	retryBackoff time.Duration
}

// NewSQLStore wraps an open SQL Server handle.
func NewSQLStore(db *sql.DB) (*SQLStore, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	return &SQLStore{db: db, retryBackoff: defaultRetryBackoff}, nil
}

func (s *SQLStore) UpsertAccount(ctx context.Context, accountID, displayAddress string, enabled bool) error {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return errors.New("account id is required")
	}
	result, err := s.db.ExecContext(
		ctx,
		`UPDATE dbo.courier_accounts
     SET display_address = @p1,
         enabled = @p2,
         updated_at = SYSUTCDATETIME()
     WHERE account_id = @p3`,
		displayAddress,
		enabled,
		accountID,
	)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}

	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO dbo.courier_accounts (account_id, display_address, enabled, created_at, updated_at)
     VALUES (@p1, @p2, @p3, SYSUTCDATETIME(), SYSUTCDATETIME())`,
		accountID,
		displayAddress,
		enabled,
	)
	if err != nil && isUniqueViolation(err) {
		// Lost the insert race to another worker; the row exists now.
		return nil
	}
	return err
}

func (s *SQLStore) AcquireLease(ctx context.Context, accountID, ownerID string, ttl time.Duration) (LeaseGrant, bool, error) {
	accountID = strings.TrimSpace(accountID)
	ownerID = strings.TrimSpace(ownerID)
	if accountID == "" || ownerID == "" {
		return LeaseGrant{}, false, errors.New("account id and owner id are required")
	}
	ttlMs := ttl.Milliseconds()

	row := s.db.QueryRowContext(
		ctx,
		`UPDATE dbo.courier_leases
     SET owner_id = @p1,
         acquired_at = CASE WHEN owner_id = @p1 THEN acquired_at ELSE SYSUTCDATETIME() END,
         renewed_at = SYSUTCDATETIME(),
         expires_at = DATEADD(MILLISECOND, @p2, SYSUTCDATETIME())
     OUTPUT inserted.expires_at
     WHERE account_id = @p3
       AND (owner_id = @p1 OR expires_at <= SYSUTCDATETIME())`,
		ownerID,
		ttlMs,
		accountID,
	)
	var expiresAt time.Time
	if err := row.Scan(&expiresAt); err == nil {
		return LeaseGrant{AccountID: accountID, OwnerID: ownerID, ExpiresAt: normalizeDBTime(expiresAt)}, true, nil
	} else if !errors.Is(err, sql.ErrNoRows) {
		return LeaseGrant{}, false, err
	}

	row = s.db.QueryRowContext(
		ctx,
		`INSERT INTO dbo.courier_leases (account_id, owner_id, acquired_at, renewed_at, expires_at)
     OUTPUT inserted.expires_at
     VALUES (@p1, @p2, SYSUTCDATETIME(), SYSUTCDATETIME(), DATEADD(MILLISECOND, @p3, SYSUTCDATETIME()))`,
		accountID,
		ownerID,
		ttlMs,
	)
	if err := row.Scan(&expiresAt); err != nil {
		if isUniqueViolation(err) {
			incumbent, _, readErr := s.readLease(ctx, accountID)
			if readErr != nil {
				return LeaseGrant{}, false, nil
			}
			return incumbent, false, nil
		}
		return LeaseGrant{}, false, err
	}
	return LeaseGrant{AccountID: accountID, OwnerID: ownerID, ExpiresAt: normalizeDBTime(expiresAt)}, true, nil
}

func (s *SQLStore) HeartbeatLease(ctx context.Context, accountID, ownerID string, ttl time.Duration) (bool, error) {
	row := s.db.QueryRowContext(
		ctx,
		`UPDATE dbo.courier_leases
     SET renewed_at = SYSUTCDATETIME(),
         expires_at = DATEADD(MILLISECOND, @p1, SYSUTCDATETIME())
     OUTPUT inserted.expires_at
     WHERE account_id = @p2
       AND owner_id = @p3
       AND expires_at > SYSUTCDATETIME()`,
		ttl.Milliseconds(),
		strings.TrimSpace(accountID),
		strings.TrimSpace(ownerID),
	)
	var expiresAt time.Time
	if err := row.Scan(&expiresAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *SQLStore) ReleaseLease(ctx context.Context, accountID, ownerID string) (bool, error) {
	result, err := s.db.ExecContext(
		ctx,
		`DELETE FROM dbo.courier_leases
     WHERE account_id = @p1 AND owner_id = @p2`,
		strings.TrimSpace(accountID),
		strings.TrimSpace(ownerID),
	)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *SQLStore) readLease(ctx context.Context, accountID string) (LeaseGrant, bool, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT owner_id, expires_at
     FROM dbo.courier_leases
     WHERE account_id = @p1`,
		accountID,
	)
	var ownerID string
	var expiresAt time.Time
	if err := row.Scan(&ownerID, &expiresAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return LeaseGrant{}, false, nil
		}
		return LeaseGrant{}, false, err
	}
	return LeaseGrant{AccountID: accountID, OwnerID: ownerID, ExpiresAt: normalizeDBTime(expiresAt)}, true, nil
}

func (s *SQLStore) ClaimNextOutbound(ctx context.Context, processorID string, channel courier.Channel, accountID string, lockFor time.Duration) (*Job, error) {
	row := s.db.QueryRowContext(
		ctx,
		`UPDATE dbo.courier_outbound
     SET locked_by = @p1,
         locked_until = DATEADD(MILLISECOND, @p2, SYSUTCDATETIME()),
         attempt_count = attempt_count + 1,
         updated_at = SYSUTCDATETIME()
     OUTPUT inserted.job_id, inserted.recipient, inserted.content, inserted.metadata_kind, inserted.metadata_tool, inserted.created_at
     WHERE job_id = (
       SELECT TOP (1) job_id
       FROM dbo.courier_outbound WITH (UPDLOCK, READPAST, ROWLOCK)
       WHERE channel = @p3
         AND account_id = @p4
         AND status = 'queued'
         AND (locked_until IS NULL OR locked_until <= SYSUTCDATETIME())
       ORDER BY created_at ASC, job_id ASC
     )`,
		strings.TrimSpace(processorID),
		lockFor.Milliseconds(),
		channel.String(),
		strings.TrimSpace(accountID),
	)

	var (
		jobID     string
		recipient sql.NullString
		content   string
		kind      sql.NullString
		tool      sql.NullString
		createdAt time.Time
	)
	if err := row.Scan(&jobID, &recipient, &content, &kind, &tool, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	job := &Job{
		ID:        jobID,
		Channel:   channel,
		AccountID: accountID,
		To:        recipient.String,
		Payload:   Payload{Content: content},
		CreatedAt: normalizeDBTime(createdAt),
	}
	if kind.Valid && kind.String != "" {
		job.Payload.Metadata = &Metadata{Kind: kind.String, ToolName: tool.String}
	}
	return job, nil
}

func (s *SQLStore) CompleteOutbound(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(
		ctx,
		`UPDATE dbo.courier_outbound
     SET status = 'delivered',
         locked_by = NULL,
         locked_until = NULL,
         delivered_at = SYSUTCDATETIME(),
         updated_at = SYSUTCDATETIME()
     WHERE job_id = @p1 AND status = 'queued'`,
		strings.TrimSpace(id),
	)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return errors.New("outbound job not found or not claimable")
	}
	return nil
}

func (s *SQLStore) FailOutbound(ctx context.Context, id string, cause string, retry bool) error {
	var result sql.Result
	var err error
	if retry {
		// Back to the queue, but not instantly claimable: the lock is held
		// past now by the base backoff scaled by the attempts so far, so a
		// persistently failing send cannot spin claim-fail at full speed.
		result, err = s.db.ExecContext(
			ctx,
			`UPDATE dbo.courier_outbound
     SET status = 'queued',
         locked_by = NULL,
         locked_until = DATEADD(MILLISECOND, @p1 * attempt_count, SYSUTCDATETIME()),
         last_error = @p2,
         updated_at = SYSUTCDATETIME()
     WHERE job_id = @p3`,
			s.retryBackoff.Milliseconds(),
			cause,
			strings.TrimSpace(id),
		)
	} else {
		result, err = s.db.ExecContext(
			ctx,
			`UPDATE dbo.courier_outbound
     SET status = 'failed',
         locked_by = NULL,
         locked_until = NULL,
         last_error = @p1,
         updated_at = SYSUTCDATETIME()
     WHERE job_id = @p2`,
			cause,
			strings.TrimSpace(id),
		)
	}
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return errors.New("outbound job not found")
	}
	return nil
}

func normalizeDBTime(value time.Time) time.Time {
	return time.Date(
		value.Year(),
		value.Month(),
		value.Day(),
		value.Hour(),
		value.Minute(),
		value.Second(),
		value.Nanosecond(),
		time.UTC,
	)
}

func isUniqueViolation(err error) bool {
	var mssqlErr mssql.Error
	if !errors.As(err, &mssqlErr) {
		return false
	}
	return mssqlErr.Number == 2627 || mssqlErr.Number == 2601
}
