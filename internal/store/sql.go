package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"callengine/internal/calls"
)

// NOTE: These repositories assume the following tables exist:
// - call_logs (call_status nullable; absence means "not yet reconciled")
// - telephony_accounts (one row per user)
// - call_batches (one row per destination contact)
// - recordings, with UNIQUE (provider_call_sid)

const pgUniqueViolation = "23505"

type SQLCallLogs struct {
	db *sql.DB
}

func NewSQLCallLogs(db *sql.DB) *SQLCallLogs { return &SQLCallLogs{db: db} }

func (r *SQLCallLogs) Insert(ctx context.Context, log calls.CallLog) error {
	const q = `
INSERT INTO call_logs (
  id, campaign_id, batch_name, user_id, provider_call_sid, template,
  dispatched, from_number, to_number, recording, claimed_by, created_at, updated_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9,false,'',$10,$10
)
`
	_, err := r.db.ExecContext(ctx, q,
		log.ID,
		log.CampaignID,
		log.BatchName,
		log.UserID,
		log.ProviderCallSID,
		log.Template,
		log.Dispatched,
		log.From,
		log.To,
		log.CreatedAt,
	)
	return err
}

func (r *SQLCallLogs) FindUnreconciled(ctx context.Context) ([]calls.CallLog, error) {
	const q = `
SELECT id, campaign_id, batch_name, user_id, provider_call_sid, template,
       dispatched, from_number, to_number, claimed_by, claimed_at,
       created_at, updated_at
FROM call_logs
WHERE dispatched = true AND call_status IS NULL
ORDER BY created_at
`
	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []calls.CallLog
	for rows.Next() {
		var l calls.CallLog
		var claimedAt sql.NullTime
		if err := rows.Scan(
			&l.ID,
			&l.CampaignID,
			&l.BatchName,
			&l.UserID,
			&l.ProviderCallSID,
			&l.Template,
			&l.Dispatched,
			&l.From,
			&l.To,
			&l.ClaimedBy,
			&claimedAt,
			&l.CreatedAt,
			&l.UpdatedAt,
		); err != nil {
			return nil, err
		}
		if claimedAt.Valid {
			t := claimedAt.Time
			l.ClaimedAt = &t
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (r *SQLCallLogs) Claim(ctx context.Context, id, owner string, now time.Time, ttl time.Duration) (bool, error) {
	// The claim is a conditional write: it only lands on an unreconciled,
	// unclaimed (or stale-claimed) row, which serializes reconcilers without
	// any coordination beyond the store.
	const q = `
UPDATE call_logs
SET claimed_by = $2, claimed_at = $3, updated_at = $3
WHERE id = $1
  AND call_status IS NULL
  AND (claimed_by = '' OR claimed_at < $4)
`
	res, err := r.db.ExecContext(ctx, q, id, owner, now, now.Add(-ttl))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *SQLCallLogs) SetStatus(ctx context.Context, id string, status calls.CallStatus, now time.Time) (bool, error) {
	const q = `
UPDATE call_logs
SET call_status = $2, updated_at = $3
WHERE id = $1 AND call_status IS NULL
`
	res, err := r.db.ExecContext(ctx, q, id, string(status), now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *SQLCallLogs) Complete(ctx context.Context, id string, comp calls.Completion, now time.Time) (bool, error) {
	const q = `
UPDATE call_logs
SET call_status = $2, call_duration = $3, start_time = $4, end_time = $5,
    price = $6, direction = $7, from_number = $8, to_number = $9,
    recording = $10, recording_id = $11, updated_at = $12
WHERE id = $1 AND call_status IS NULL
`
	res, err := r.db.ExecContext(ctx, q,
		id,
		string(calls.CallStatusCompleted),
		comp.DurationSeconds,
		comp.StartTime,
		comp.EndTime,
		comp.Price,
		comp.Direction,
		comp.From,
		comp.To,
		comp.Recording,
		comp.RecordingID,
		now,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

type SQLTelephonyAccounts struct {
	db *sql.DB
}

func NewSQLTelephonyAccounts(db *sql.DB) *SQLTelephonyAccounts {
	return &SQLTelephonyAccounts{db: db}
}

func (r *SQLTelephonyAccounts) FindByUser(ctx context.Context, userID string) (calls.TelephonyAccount, error) {
	const q = `
SELECT user_id, provider, account_sid_enc, auth_token_enc, phone_number,
       domain_name, sip_trunk_sid, credential_list_sid, credential_sid,
       trunk_linked, created_at, updated_at
FROM telephony_accounts
WHERE user_id = $1
`
	var a calls.TelephonyAccount
	if err := r.db.QueryRowContext(ctx, q, userID).Scan(
		&a.UserID,
		&a.Provider,
		&a.AccountSIDEnc,
		&a.AuthTokenEnc,
		&a.PhoneNumber,
		&a.Provisioning.DomainName,
		&a.Provisioning.SIPTrunkSID,
		&a.Provisioning.CredentialListSID,
		&a.Provisioning.CredentialSID,
		&a.Provisioning.TrunkLinked,
		&a.CreatedAt,
		&a.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return calls.TelephonyAccount{}, ErrNotFound
		}
		return calls.TelephonyAccount{}, err
	}
	return a, nil
}

func (r *SQLTelephonyAccounts) SaveProvisioning(ctx context.Context, userID string, p calls.TrunkProvisioning, now time.Time) error {
	const q = `
UPDATE telephony_accounts
SET domain_name = $2, sip_trunk_sid = $3, credential_list_sid = $4,
    credential_sid = $5, trunk_linked = $6, updated_at = $7
WHERE user_id = $1
`
	res, err := r.db.ExecContext(ctx, q,
		userID,
		p.DomainName,
		p.SIPTrunkSID,
		p.CredentialListSID,
		p.CredentialSID,
		p.TrunkLinked,
		now,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type SQLBatches struct {
	db *sql.DB
}

func NewSQLBatches(db *sql.DB) *SQLBatches { return &SQLBatches{db: db} }

func (r *SQLBatches) ListContacts(ctx context.Context, createdBy, campaignID, batchName string) ([]calls.BatchContact, error) {
	const q = `
SELECT id, created_by, batch_name, campaign_id, phone_number, template,
       scheduled_at, launched, created_at
FROM call_batches
WHERE created_by = $1 AND campaign_id = $2 AND batch_name = $3
ORDER BY created_at
`
	rows, err := r.db.QueryContext(ctx, q, createdBy, campaignID, batchName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []calls.BatchContact
	for rows.Next() {
		var c calls.BatchContact
		if err := rows.Scan(
			&c.ID,
			&c.CreatedBy,
			&c.BatchName,
			&c.CampaignID,
			&c.PhoneNumber,
			&c.Template,
			&c.ScheduledAt,
			&c.Launched,
			&c.CreatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *SQLBatches) MarkLaunched(ctx context.Context, createdBy, campaignID, batchName string, now time.Time) error {
	const q = `
UPDATE call_batches
SET launched = true
WHERE created_by = $1 AND campaign_id = $2 AND batch_name = $3
`
	_, err := r.db.ExecContext(ctx, q, createdBy, campaignID, batchName)
	return err
}

func (r *SQLBatches) ListDue(ctx context.Context, now time.Time) ([]calls.BatchRef, error) {
	const q = `
SELECT DISTINCT created_by, campaign_id, batch_name
FROM call_batches
WHERE launched = false AND scheduled_at <= $1
`
	rows, err := r.db.QueryContext(ctx, q, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []calls.BatchRef
	for rows.Next() {
		var ref calls.BatchRef
		if err := rows.Scan(&ref.CreatedBy, &ref.CampaignID, &ref.BatchName); err != nil {
			return nil, err
		}
		out = append(out, ref)
	}
	return out, rows.Err()
}

type SQLRecordings struct {
	db *sql.DB
}

func NewSQLRecordings(db *sql.DB) *SQLRecordings { return &SQLRecordings{db: db} }

func (r *SQLRecordings) Insert(ctx context.Context, rec calls.RecordingRecord) error {
	const q = `
INSERT INTO recordings (
  id, user_id, provider_call_sid, campaign_id, batch_name, call_duration,
  phone_number, blob_id, created_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9
)
`
	_, err := r.db.ExecContext(ctx, q,
		rec.ID,
		rec.UserID,
		rec.ProviderCallSID,
		rec.CampaignID,
		rec.BatchName,
		rec.DurationSeconds,
		rec.PhoneNumber,
		rec.BlobID,
		rec.CreatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return ErrDuplicate
	}
	return err
}

func (r *SQLRecordings) FindByCallSID(ctx context.Context, callSID string) (calls.RecordingRecord, error) {
	const q = `
SELECT id, user_id, provider_call_sid, campaign_id, batch_name, call_duration,
       phone_number, blob_id, created_at
FROM recordings
WHERE provider_call_sid = $1
LIMIT 1
`
	var rec calls.RecordingRecord
	if err := r.db.QueryRowContext(ctx, q, callSID).Scan(
		&rec.ID,
		&rec.UserID,
		&rec.ProviderCallSID,
		&rec.CampaignID,
		&rec.BatchName,
		&rec.DurationSeconds,
		&rec.PhoneNumber,
		&rec.BlobID,
		&rec.CreatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return calls.RecordingRecord{}, ErrNotFound
		}
		return calls.RecordingRecord{}, err
	}
	return rec, nil
}
