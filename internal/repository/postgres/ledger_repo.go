package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/and161185/points-gallery/internal/dates"
	"github.com/and161185/points-gallery/internal/errs"
	"github.com/and161185/points-gallery/internal/model"
	"github.com/and161185/points-gallery/internal/repository"
)

// LedgerRepo implements LedgerRepository using PostgreSQL.
//
// All mutating methods lock the account row with SELECT ... FOR UPDATE before
// reading balances, so concurrent debits against the same account serialize
// at the store and can never overdraw the total.
type LedgerRepo struct{ db *DB }

// NewLedgerRepo constructs a ledger repository.
func NewLedgerRepo(db *DB) *LedgerRepo { return &LedgerRepo{db: db} }

var _ repository.LedgerRepository = (*LedgerRepo)(nil)

const qSelectAccount = `
SELECT user_id, expiring_balance, permanent_balance, signup_bonus_granted, created_at
FROM accounts WHERE user_id=$1`

const qLockAccount = qSelectAccount + ` FOR UPDATE`

const qInsertTx = `
INSERT INTO transactions (id, user_id, type, amount, used_from_expiring, used_from_permanent, description, idempotency_key)
VALUES ($1,$2,$3,$4,$5,$6,$7,NULLIF($8,''))`

// finish rolls back on error and commits otherwise, mapping transient
// serialization failures to errs.ErrStorageConflict for the retry layer.
func finish(ctx context.Context, tx pgx.Tx, errp *error) {
	if *errp != nil {
		_ = tx.Rollback(ctx)
	} else if e := tx.Commit(ctx); e != nil {
		*errp = e
	}
	if isSerializationFailure(*errp) {
		*errp = fmt.Errorf("%w: %v", errs.ErrStorageConflict, *errp)
	}
}

func scanAccount(row pgx.Row) (*model.Account, error) {
	var a model.Account
	err := row.Scan(&a.UserID, &a.ExpiringBalance, &a.PermanentBalance, &a.SignupBonusGranted, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return &a, nil
}

// GetAccount loads the balance row for a user.
func (r *LedgerRepo) GetAccount(ctx context.Context, userID uuid.UUID) (*model.Account, error) {
	return scanAccount(r.db.Pool.QueryRow(ctx, qSelectAccount, userID))
}

// OpenAccount creates the account with the signup bonus and its transaction.
func (r *LedgerRepo) OpenAccount(ctx context.Context, userID uuid.UUID, signupBonus int64) (acct *model.Account, err error) {
	tx, err := r.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer finish(ctx, tx, &err)

	const ins = `
INSERT INTO accounts (user_id, expiring_balance, permanent_balance, signup_bonus_granted)
VALUES ($1, 0, $2, true)
RETURNING created_at`
	a := model.Account{UserID: userID, PermanentBalance: signupBonus, SignupBonusGranted: true}
	if err = tx.QueryRow(ctx, ins, userID, signupBonus).Scan(&a.CreatedAt); err != nil {
		if isUniqueViolation(err) {
			err = errs.ErrAlreadyExists
		}
		return nil, err
	}
	if err = r.appendTx(ctx, tx, &model.Transaction{
		UserID:            userID,
		Type:              model.TxSignupBonus,
		Amount:            signupBonus,
		UsedFromPermanent: signupBonus,
		Description:       "signup bonus",
	}); err != nil {
		return nil, err
	}
	return &a, nil
}

// Credit adds amount to the named bucket and appends a transaction.
func (r *LedgerRepo) Credit(ctx context.Context, p repository.CreditParams) (res *model.CreditResult, err error) {
	tx, err := r.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer finish(ctx, tx, &err)

	if p.IdempotencyKey != "" {
		_, ferr := r.findByKey(ctx, tx, p.UserID, p.IdempotencyKey)
		if ferr != nil && !errors.Is(ferr, pgx.ErrNoRows) {
			err = ferr
			return nil, err
		}
		if ferr == nil {
			var a *model.Account
			if a, err = scanAccount(tx.QueryRow(ctx, qSelectAccount, p.UserID)); err != nil {
				return nil, err
			}
			return &model.CreditResult{
				Balance:  model.Balance{Expiring: a.ExpiringBalance, Permanent: a.PermanentBalance},
				Replayed: true,
			}, nil
		}
	}

	a, err := scanAccount(tx.QueryRow(ctx, qLockAccount, p.UserID))
	if err != nil {
		return nil, err
	}

	var txRecord model.Transaction
	switch p.Bucket {
	case model.BucketExpiring:
		const upd = `UPDATE accounts SET expiring_balance = expiring_balance + $2 WHERE user_id=$1`
		if _, err = tx.Exec(ctx, upd, p.UserID, p.Amount); err != nil {
			return nil, err
		}
		// Expiring value must be attributed to the day's record so the
		// scheduler can forfeit the unused remainder. Closed records stay
		// closed.
		const upsert = `
INSERT INTO daily_bonus_records (user_id, day, earned, used, expired, bonus_claimed)
VALUES ($1,$2,$3,0,0,false)
ON CONFLICT (user_id, day) DO UPDATE
SET earned = daily_bonus_records.earned + EXCLUDED.earned
WHERE daily_bonus_records.expired = 0`
		if _, err = tx.Exec(ctx, upsert, p.UserID, p.Day, p.Amount); err != nil {
			return nil, err
		}
		a.ExpiringBalance += p.Amount
		txRecord.UsedFromExpiring = p.Amount
	case model.BucketPermanent:
		const upd = `UPDATE accounts SET permanent_balance = permanent_balance + $2 WHERE user_id=$1`
		if _, err = tx.Exec(ctx, upd, p.UserID, p.Amount); err != nil {
			return nil, err
		}
		a.PermanentBalance += p.Amount
		txRecord.UsedFromPermanent = p.Amount
	default:
		err = fmt.Errorf("unknown bucket %q", p.Bucket)
		return nil, err
	}

	txRecord.UserID = p.UserID
	txRecord.Type = p.Type
	txRecord.Amount = p.Amount
	txRecord.Description = p.Description
	txRecord.IdempotencyKey = p.IdempotencyKey
	if err = r.appendTx(ctx, tx, &txRecord); err != nil {
		return nil, err
	}
	return &model.CreditResult{
		Balance: model.Balance{Expiring: a.ExpiringBalance, Permanent: a.PermanentBalance},
	}, nil
}

// Debit draws from the expiring bucket first, then the permanent bucket.
func (r *LedgerRepo) Debit(ctx context.Context, p repository.DebitParams) (res *model.DebitResult, err error) {
	tx, err := r.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer finish(ctx, tx, &err)

	if p.IdempotencyKey != "" {
		prior, ferr := r.findByKey(ctx, tx, p.UserID, p.IdempotencyKey)
		if ferr != nil && !errors.Is(ferr, pgx.ErrNoRows) {
			err = ferr
			return nil, err
		}
		if ferr == nil {
			var a *model.Account
			if a, err = scanAccount(tx.QueryRow(ctx, qSelectAccount, p.UserID)); err != nil {
				return nil, err
			}
			return &model.DebitResult{
				UsedFromExpiring:  prior.UsedFromExpiring,
				UsedFromPermanent: prior.UsedFromPermanent,
				Balance:           model.Balance{Expiring: a.ExpiringBalance, Permanent: a.PermanentBalance},
				Replayed:          true,
			}, nil
		}
	}

	a, err := scanAccount(tx.QueryRow(ctx, qLockAccount, p.UserID))
	if err != nil {
		return nil, err
	}
	if a.Total() < p.Amount {
		err = &errs.InsufficientFundsError{Required: p.Amount, Available: a.Total()}
		return nil, err
	}

	fromExpiring := min(a.ExpiringBalance, p.Amount)
	fromPermanent := p.Amount - fromExpiring

	const upd = `UPDATE accounts SET expiring_balance=$2, permanent_balance=$3 WHERE user_id=$1`
	if _, err = tx.Exec(ctx, upd, p.UserID, a.ExpiringBalance-fromExpiring, a.PermanentBalance-fromPermanent); err != nil {
		return nil, err
	}
	if fromExpiring > 0 {
		// Only the current day's record is ever touched; a record already
		// closed by the scheduler is left alone.
		const updRec = `
UPDATE daily_bonus_records SET used = used + $3
WHERE user_id=$1 AND day=$2 AND expired = 0`
		if _, err = tx.Exec(ctx, updRec, p.UserID, p.Day, fromExpiring); err != nil {
			return nil, err
		}
	}
	if err = r.appendTx(ctx, tx, &model.Transaction{
		UserID:            p.UserID,
		Type:              p.Type,
		Amount:            -p.Amount,
		UsedFromExpiring:  fromExpiring,
		UsedFromPermanent: fromPermanent,
		Description:       p.Description,
		IdempotencyKey:    p.IdempotencyKey,
	}); err != nil {
		return nil, err
	}
	return &model.DebitResult{
		UsedFromExpiring:  fromExpiring,
		UsedFromPermanent: fromPermanent,
		Balance: model.Balance{
			Expiring:  a.ExpiringBalance - fromExpiring,
			Permanent: a.PermanentBalance - fromPermanent,
		},
	}, nil
}

// ClaimDailyBonus grants the once-per-day expiring credit. The UNIQUE
// (user_id, day) constraint plus the filtered upsert make two concurrent
// claims resolve to exactly one grant.
func (r *LedgerRepo) ClaimDailyBonus(ctx context.Context, userID uuid.UUID, day dates.Day, amount int64) (grant *model.BonusGrant, err error) {
	tx, err := r.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer finish(ctx, tx, &err)

	a, err := scanAccount(tx.QueryRow(ctx, qLockAccount, userID))
	if err != nil {
		return nil, err
	}

	const claim = `
INSERT INTO daily_bonus_records (user_id, day, earned, used, expired, bonus_claimed)
VALUES ($1,$2,$3,0,0,true)
ON CONFLICT (user_id, day) DO UPDATE
SET earned = daily_bonus_records.earned + EXCLUDED.earned, bonus_claimed = true
WHERE daily_bonus_records.bonus_claimed = false
RETURNING earned`
	var earned int64
	if serr := tx.QueryRow(ctx, claim, userID, day, amount).Scan(&earned); serr != nil {
		if errors.Is(serr, pgx.ErrNoRows) {
			// Already claimed today: successful no-op.
			return &model.BonusGrant{
				Granted: false,
				Balance: model.Balance{Expiring: a.ExpiringBalance, Permanent: a.PermanentBalance},
			}, nil
		}
		err = serr
		return nil, err
	}

	const upd = `UPDATE accounts SET expiring_balance = expiring_balance + $2 WHERE user_id=$1`
	if _, err = tx.Exec(ctx, upd, userID, amount); err != nil {
		return nil, err
	}
	if err = r.appendTx(ctx, tx, &model.Transaction{
		UserID:           userID,
		Type:             model.TxDailyBonus,
		Amount:           amount,
		UsedFromExpiring: amount,
		Description:      "daily login bonus",
	}); err != nil {
		return nil, err
	}
	return &model.BonusGrant{
		Granted: true,
		Amount:  amount,
		Balance: model.Balance{Expiring: a.ExpiringBalance + amount, Permanent: a.PermanentBalance},
	}, nil
}

// BonusClaimed reports whether the user already claimed the bonus for day.
func (r *LedgerRepo) BonusClaimed(ctx context.Context, userID uuid.UUID, day dates.Day) (bool, error) {
	const q = `SELECT bonus_claimed FROM daily_bonus_records WHERE user_id=$1 AND day=$2`
	var claimed bool
	if err := r.db.Pool.QueryRow(ctx, q, userID, day).Scan(&claimed); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return claimed, nil
}

// ExpireDayBatch closes up to limit open bonus records for day inside one
// transaction. Re-running for an already closed day matches no rows, which
// makes the whole expiry run idempotent.
func (r *LedgerRepo) ExpireDayBatch(ctx context.Context, day dates.Day, limit int32) (stats *model.ExpiryStats, err error) {
	tx, err := r.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer finish(ctx, tx, &err)

	const sel = `
SELECT user_id, earned, used FROM daily_bonus_records
WHERE day=$1 AND expired = 0 AND earned - used > 0
ORDER BY user_id
LIMIT $2
FOR UPDATE`
	rows, err := tx.Query(ctx, sel, day, limit)
	if err != nil {
		return nil, err
	}
	type open struct {
		userID uuid.UUID
		unused int64
	}
	var batch []open
	for rows.Next() {
		var (
			id           uuid.UUID
			earned, used int64
		)
		if err = rows.Scan(&id, &earned, &used); err != nil {
			rows.Close()
			return nil, err
		}
		batch = append(batch, open{userID: id, unused: earned - used})
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return nil, err
	}

	const closeRec = `UPDATE daily_bonus_records SET expired=$3 WHERE user_id=$1 AND day=$2`
	const drain = `UPDATE accounts SET expiring_balance = GREATEST(expiring_balance - $2, 0) WHERE user_id=$1`

	stats = &model.ExpiryStats{}
	for _, o := range batch {
		if _, err = tx.Exec(ctx, closeRec, o.userID, day, o.unused); err != nil {
			return nil, err
		}
		if _, err = tx.Exec(ctx, drain, o.userID, o.unused); err != nil {
			return nil, err
		}
		if err = r.appendTx(ctx, tx, &model.Transaction{
			UserID:           o.userID,
			Type:             model.TxDailyExpire,
			Amount:           -o.unused,
			UsedFromExpiring: o.unused,
			Description:      "daily points expiry " + day.String(),
		}); err != nil {
			return nil, err
		}
		stats.RecordsClosed++
		stats.PointsExpired += o.unused
	}
	return stats, nil
}

// ListTransactions returns the user's transactions, newest first.
func (r *LedgerRepo) ListTransactions(ctx context.Context, userID uuid.UUID, limit int32) ([]model.Transaction, error) {
	const q = `
SELECT id, user_id, type, amount, used_from_expiring, used_from_permanent, description, COALESCE(idempotency_key, ''), created_at
FROM transactions
WHERE user_id=$1
ORDER BY created_at DESC
LIMIT $2`
	rows, err := r.db.Pool.Query(ctx, q, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Transaction
	for rows.Next() {
		var (
			t   model.Transaction
			typ string
		)
		if err := rows.Scan(&t.ID, &t.UserID, &typ, &t.Amount, &t.UsedFromExpiring, &t.UsedFromPermanent,
			&t.Description, &t.IdempotencyKey, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Type = model.TxType(typ)
		out = append(out, t)
	}
	return out, rows.Err()
}

// LogGalleryAccess appends a gallery access audit row.
func (r *LedgerRepo) LogGalleryAccess(ctx context.Context, entry *model.AccessLogEntry) error {
	id, err := uuid.NewV4()
	if err != nil {
		return err
	}
	const q = `
INSERT INTO gallery_access_logs (id, user_id, role, points_used, free_access)
VALUES ($1,$2,$3,$4,$5)`
	_, err = r.db.Pool.Exec(ctx, q, id, entry.UserID, string(entry.Role), entry.PointsUsed, entry.FreeAccess)
	return err
}

// appendTx inserts one immutable transaction row inside tx.
func (r *LedgerRepo) appendTx(ctx context.Context, tx pgx.Tx, t *model.Transaction) error {
	id, err := uuid.NewV4()
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, qInsertTx, id, t.UserID, string(t.Type), t.Amount,
		t.UsedFromExpiring, t.UsedFromPermanent, t.Description, t.IdempotencyKey)
	return err
}

// findByKey returns the prior transaction recorded under an idempotency key.
func (r *LedgerRepo) findByKey(ctx context.Context, tx pgx.Tx, userID uuid.UUID, key string) (*model.Transaction, error) {
	const q = `
SELECT amount, used_from_expiring, used_from_permanent FROM transactions
WHERE user_id=$1 AND idempotency_key=$2`
	var t model.Transaction
	if err := tx.QueryRow(ctx, q, userID, key).Scan(&t.Amount, &t.UsedFromExpiring, &t.UsedFromPermanent); err != nil {
		return nil, err
	}
	return &t, nil
}
