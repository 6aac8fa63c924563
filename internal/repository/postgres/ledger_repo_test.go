package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"

	"github.com/and161185/points-gallery/internal/dates"
	"github.com/and161185/points-gallery/internal/errs"
	"github.com/and161185/points-gallery/internal/model"
	"github.com/and161185/points-gallery/internal/repository"
)

const day = dates.Day("2025-03-01")

func newDB(t *testing.T) (*DB, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	return &DB{Pool: mock}, mock
}

func accountRows(userID uuid.UUID, expiring, permanent int64) *pgxmock.Rows {
	return pgxmock.NewRows([]string{"user_id", "expiring_balance", "permanent_balance", "signup_bonus_granted", "created_at"}).
		AddRow(userID, expiring, permanent, true, time.Now())
}

const qLockAccountRe = `SELECT user_id, expiring_balance, permanent_balance, signup_bonus_granted, created_at FROM accounts WHERE user_id=\$1 FOR UPDATE`

func TestLedgerRepo_Debit_SplitsBuckets(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewLedgerRepo(db)

	ctx := context.Background()
	userID := uuid.Must(uuid.NewV4())

	mock.ExpectBegin()
	mock.ExpectQuery(qLockAccountRe).
		WithArgs(userID).
		WillReturnRows(accountRows(userID, 10, 100))
	mock.ExpectExec(`UPDATE accounts SET expiring_balance=\$2, permanent_balance=\$3 WHERE user_id=\$1`).
		WithArgs(userID, int64(0), int64(93)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`UPDATE daily_bonus_records SET used = used \+ \$3 WHERE user_id=\$1 AND day=\$2 AND expired = 0`).
		WithArgs(userID, day, int64(10)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`INSERT INTO transactions`).
		WithArgs(pgxmock.AnyArg(), userID, "gallery_access", int64(-17), int64(10), int64(7), "gallery access", "").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	res, err := r.Debit(ctx, repository.DebitParams{
		UserID:      userID,
		Amount:      17,
		Type:        model.TxGalleryAccess,
		Description: "gallery access",
		Day:         day,
	})
	require.NoError(t, err)
	require.Equal(t, int64(10), res.UsedFromExpiring)
	require.Equal(t, int64(7), res.UsedFromPermanent)
	require.Equal(t, int64(0), res.Balance.Expiring)
	require.Equal(t, int64(93), res.Balance.Permanent)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerRepo_Debit_ExpiringCoversAll(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewLedgerRepo(db)

	ctx := context.Background()
	userID := uuid.Must(uuid.NewV4())

	mock.ExpectBegin()
	mock.ExpectQuery(qLockAccountRe).
		WithArgs(userID).
		WillReturnRows(accountRows(userID, 60, 500))
	mock.ExpectExec(`UPDATE accounts SET expiring_balance=\$2, permanent_balance=\$3 WHERE user_id=\$1`).
		WithArgs(userID, int64(43), int64(500)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`UPDATE daily_bonus_records SET used = used \+ \$3`).
		WithArgs(userID, day, int64(17)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`INSERT INTO transactions`).
		WithArgs(pgxmock.AnyArg(), userID, "gallery_access", int64(-17), int64(17), int64(0), "gallery access", "").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	res, err := r.Debit(ctx, repository.DebitParams{
		UserID:      userID,
		Amount:      17,
		Type:        model.TxGalleryAccess,
		Description: "gallery access",
		Day:         day,
	})
	require.NoError(t, err)
	require.Equal(t, int64(17), res.UsedFromExpiring)
	require.Equal(t, int64(0), res.UsedFromPermanent)
}

func TestLedgerRepo_Debit_InsufficientFunds(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewLedgerRepo(db)

	ctx := context.Background()
	userID := uuid.Must(uuid.NewV4())

	mock.ExpectBegin()
	mock.ExpectQuery(qLockAccountRe).
		WithArgs(userID).
		WillReturnRows(accountRows(userID, 5, 0))
	mock.ExpectRollback()

	_, err := r.Debit(ctx, repository.DebitParams{
		UserID: userID,
		Amount: 17,
		Type:   model.TxGalleryAccess,
		Day:    day,
	})
	ie, ok := errs.IsInsufficientFunds(err)
	require.True(t, ok)
	require.Equal(t, int64(17), ie.Required)
	require.Equal(t, int64(5), ie.Available)
	require.Equal(t, int64(12), ie.Shortfall())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerRepo_Debit_Replay(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewLedgerRepo(db)

	ctx := context.Background()
	userID := uuid.Must(uuid.NewV4())

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT amount, used_from_expiring, used_from_permanent FROM transactions WHERE user_id=\$1 AND idempotency_key=\$2`).
		WithArgs(userID, "req-1").
		WillReturnRows(pgxmock.NewRows([]string{"amount", "used_from_expiring", "used_from_permanent"}).
			AddRow(int64(-17), int64(10), int64(7)))
	mock.ExpectQuery(`SELECT user_id, expiring_balance, permanent_balance, signup_bonus_granted, created_at FROM accounts WHERE user_id=\$1`).
		WithArgs(userID).
		WillReturnRows(accountRows(userID, 0, 93))
	mock.ExpectCommit()

	res, err := r.Debit(ctx, repository.DebitParams{
		UserID:         userID,
		Amount:         17,
		Type:           model.TxGalleryAccess,
		Day:            day,
		IdempotencyKey: "req-1",
	})
	require.NoError(t, err)
	require.True(t, res.Replayed)
	require.Equal(t, int64(10), res.UsedFromExpiring)
	require.Equal(t, int64(7), res.UsedFromPermanent)
	require.Equal(t, int64(93), res.Balance.Total())
}

func TestLedgerRepo_Debit_SerializationConflict(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewLedgerRepo(db)

	ctx := context.Background()
	userID := uuid.Must(uuid.NewV4())

	mock.ExpectBegin()
	mock.ExpectQuery(qLockAccountRe).
		WithArgs(userID).
		WillReturnError(&pgconn.PgError{Code: "40001"})
	mock.ExpectRollback()

	_, err := r.Debit(ctx, repository.DebitParams{
		UserID: userID,
		Amount: 17,
		Type:   model.TxGalleryAccess,
		Day:    day,
	})
	require.ErrorIs(t, err, errs.ErrStorageConflict)
}

func TestLedgerRepo_Credit_Permanent(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewLedgerRepo(db)

	ctx := context.Background()
	userID := uuid.Must(uuid.NewV4())

	mock.ExpectBegin()
	mock.ExpectQuery(qLockAccountRe).
		WithArgs(userID).
		WillReturnRows(accountRows(userID, 0, 500))
	mock.ExpectExec(`UPDATE accounts SET permanent_balance = permanent_balance \+ \$2 WHERE user_id=\$1`).
		WithArgs(userID, int64(100)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`INSERT INTO transactions`).
		WithArgs(pgxmock.AnyArg(), userID, "admin_grant", int64(100), int64(0), int64(100), "admin grant", "").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	res, err := r.Credit(ctx, repository.CreditParams{
		UserID:      userID,
		Bucket:      model.BucketPermanent,
		Amount:      100,
		Type:        model.TxAdminGrant,
		Description: "admin grant",
		Day:         day,
	})
	require.NoError(t, err)
	require.Equal(t, int64(600), res.Balance.Total())
}

func TestLedgerRepo_Credit_ExpiringUpdatesDailyRecord(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewLedgerRepo(db)

	ctx := context.Background()
	userID := uuid.Must(uuid.NewV4())

	mock.ExpectBegin()
	mock.ExpectQuery(qLockAccountRe).
		WithArgs(userID).
		WillReturnRows(accountRows(userID, 0, 500))
	mock.ExpectExec(`UPDATE accounts SET expiring_balance = expiring_balance \+ \$2 WHERE user_id=\$1`).
		WithArgs(userID, int64(30)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`INSERT INTO daily_bonus_records`).
		WithArgs(userID, day, int64(30)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO transactions`).
		WithArgs(pgxmock.AnyArg(), userID, "admin_grant", int64(30), int64(30), int64(0), "grant", "").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	res, err := r.Credit(ctx, repository.CreditParams{
		UserID:      userID,
		Bucket:      model.BucketExpiring,
		Amount:      30,
		Type:        model.TxAdminGrant,
		Description: "grant",
		Day:         day,
	})
	require.NoError(t, err)
	require.Equal(t, int64(30), res.Balance.Expiring)
}

func TestLedgerRepo_OpenAccount_OK_and_AlreadyExists(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewLedgerRepo(db)

	ctx := context.Background()
	userID := uuid.Must(uuid.NewV4())

	// OK
	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO accounts`).
		WithArgs(userID, int64(500)).
		WillReturnRows(pgxmock.NewRows([]string{"created_at"}).AddRow(time.Now()))
	mock.ExpectExec(`INSERT INTO transactions`).
		WithArgs(pgxmock.AnyArg(), userID, "signup_bonus", int64(500), int64(0), int64(500), "signup bonus", "").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	acct, err := r.OpenAccount(ctx, userID, 500)
	require.NoError(t, err)
	require.Equal(t, int64(500), acct.PermanentBalance)
	require.Equal(t, int64(0), acct.ExpiringBalance)
	require.True(t, acct.SignupBonusGranted)

	// Already opened
	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO accounts`).
		WithArgs(userID, int64(500)).
		WillReturnError(&pgconn.PgError{Code: "23505"})
	mock.ExpectRollback()

	_, err = r.OpenAccount(ctx, userID, 500)
	require.ErrorIs(t, err, errs.ErrAlreadyExists)
}

func TestLedgerRepo_ClaimDailyBonus_Granted(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewLedgerRepo(db)

	ctx := context.Background()
	userID := uuid.Must(uuid.NewV4())

	mock.ExpectBegin()
	mock.ExpectQuery(qLockAccountRe).
		WithArgs(userID).
		WillReturnRows(accountRows(userID, 0, 500))
	mock.ExpectQuery(`INSERT INTO daily_bonus_records`).
		WithArgs(userID, day, int64(60)).
		WillReturnRows(pgxmock.NewRows([]string{"earned"}).AddRow(int64(60)))
	mock.ExpectExec(`UPDATE accounts SET expiring_balance = expiring_balance \+ \$2 WHERE user_id=\$1`).
		WithArgs(userID, int64(60)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`INSERT INTO transactions`).
		WithArgs(pgxmock.AnyArg(), userID, "daily_bonus", int64(60), int64(60), int64(0), "daily login bonus", "").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	grant, err := r.ClaimDailyBonus(ctx, userID, day, 60)
	require.NoError(t, err)
	require.True(t, grant.Granted)
	require.Equal(t, int64(60), grant.Amount)
	require.Equal(t, int64(560), grant.Balance.Total())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerRepo_ClaimDailyBonus_AlreadyClaimed(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewLedgerRepo(db)

	ctx := context.Background()
	userID := uuid.Must(uuid.NewV4())

	mock.ExpectBegin()
	mock.ExpectQuery(qLockAccountRe).
		WithArgs(userID).
		WillReturnRows(accountRows(userID, 60, 500))
	mock.ExpectQuery(`INSERT INTO daily_bonus_records`).
		WithArgs(userID, day, int64(60)).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectCommit()

	grant, err := r.ClaimDailyBonus(ctx, userID, day, 60)
	require.NoError(t, err)
	require.False(t, grant.Granted)
	require.Equal(t, int64(0), grant.Amount)
	require.Equal(t, int64(560), grant.Balance.Total())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerRepo_ClaimDailyBonus_NoAccount(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewLedgerRepo(db)

	ctx := context.Background()
	userID := uuid.Must(uuid.NewV4())

	mock.ExpectBegin()
	mock.ExpectQuery(qLockAccountRe).
		WithArgs(userID).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()

	_, err := r.ClaimDailyBonus(ctx, userID, day, 60)
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestLedgerRepo_ExpireDayBatch(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewLedgerRepo(db)

	ctx := context.Background()
	u1 := uuid.Must(uuid.NewV4())
	u2 := uuid.Must(uuid.NewV4())

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT user_id, earned, used FROM daily_bonus_records`).
		WithArgs(day, int32(200)).
		WillReturnRows(pgxmock.NewRows([]string{"user_id", "earned", "used"}).
			AddRow(u1, int64(60), int64(20)).
			AddRow(u2, int64(60), int64(0)))

	mock.ExpectExec(`UPDATE daily_bonus_records SET expired=\$3 WHERE user_id=\$1 AND day=\$2`).
		WithArgs(u1, day, int64(40)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`UPDATE accounts SET expiring_balance = GREATEST\(expiring_balance - \$2, 0\) WHERE user_id=\$1`).
		WithArgs(u1, int64(40)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`INSERT INTO transactions`).
		WithArgs(pgxmock.AnyArg(), u1, "daily_expire", int64(-40), int64(40), int64(0), "daily points expiry "+day.String(), "").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	mock.ExpectExec(`UPDATE daily_bonus_records SET expired=\$3 WHERE user_id=\$1 AND day=\$2`).
		WithArgs(u2, day, int64(60)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`UPDATE accounts SET expiring_balance = GREATEST\(expiring_balance - \$2, 0\) WHERE user_id=\$1`).
		WithArgs(u2, int64(60)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`INSERT INTO transactions`).
		WithArgs(pgxmock.AnyArg(), u2, "daily_expire", int64(-60), int64(60), int64(0), "daily points expiry "+day.String(), "").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	stats, err := r.ExpireDayBatch(ctx, day, 200)
	require.NoError(t, err)
	require.Equal(t, int64(2), stats.RecordsClosed)
	require.Equal(t, int64(100), stats.PointsExpired)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerRepo_ExpireDayBatch_NothingOpen(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewLedgerRepo(db)

	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT user_id, earned, used FROM daily_bonus_records`).
		WithArgs(day, int32(200)).
		WillReturnRows(pgxmock.NewRows([]string{"user_id", "earned", "used"}))
	mock.ExpectCommit()

	stats, err := r.ExpireDayBatch(ctx, day, 200)
	require.NoError(t, err)
	require.Equal(t, int64(0), stats.RecordsClosed)
	require.Equal(t, int64(0), stats.PointsExpired)
}

func TestLedgerRepo_BonusClaimed(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewLedgerRepo(db)

	ctx := context.Background()
	userID := uuid.Must(uuid.NewV4())

	mock.ExpectQuery(`SELECT bonus_claimed FROM daily_bonus_records WHERE user_id=\$1 AND day=\$2`).
		WithArgs(userID, day).
		WillReturnRows(pgxmock.NewRows([]string{"bonus_claimed"}).AddRow(true))
	claimed, err := r.BonusClaimed(ctx, userID, day)
	require.NoError(t, err)
	require.True(t, claimed)

	mock.ExpectQuery(`SELECT bonus_claimed FROM daily_bonus_records WHERE user_id=\$1 AND day=\$2`).
		WithArgs(userID, day).
		WillReturnError(pgx.ErrNoRows)
	claimed, err = r.BonusClaimed(ctx, userID, day)
	require.NoError(t, err)
	require.False(t, claimed)
}

func TestLedgerRepo_ListTransactions(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewLedgerRepo(db)

	ctx := context.Background()
	userID := uuid.Must(uuid.NewV4())
	txID := uuid.Must(uuid.NewV4())

	mock.ExpectQuery(`SELECT id, user_id, type, amount, used_from_expiring, used_from_permanent, description, COALESCE\(idempotency_key, ''\), created_at FROM transactions`).
		WithArgs(userID, int32(50)).
		WillReturnRows(pgxmock.NewRows([]string{"id", "user_id", "type", "amount", "used_from_expiring", "used_from_permanent", "description", "idempotency_key", "created_at"}).
			AddRow(txID, userID, "daily_bonus", int64(60), int64(60), int64(0), "daily login bonus", "", time.Now()))

	txs, err := r.ListTransactions(ctx, userID, 50)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	require.Equal(t, model.TxDailyBonus, txs[0].Type)
	require.Equal(t, int64(60), txs[0].Amount)
}
