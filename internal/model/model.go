// Package model defines domain entities used by services and repositories.
package model

import (
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/points-gallery/internal/dates"
)

// Role is the caller's role as asserted by the identity collaborator.
type Role string

const (
	RoleUser    Role = "user"
	RoleCreator Role = "creator"
	RoleAdmin   Role = "admin"
)

// Privileged reports whether the role is exempt from gallery access charges.
func (r Role) Privileged() bool { return r == RoleCreator || r == RoleAdmin }

// Bucket names one of the two balance buckets.
type Bucket string

const (
	// BucketExpiring holds daily points forfeited at the next midnight boundary.
	BucketExpiring Bucket = "expiring"
	// BucketPermanent holds wallet points that never expire.
	BucketPermanent Bucket = "permanent"
)

// Valid reports whether b names a known bucket.
func (b Bucket) Valid() bool { return b == BucketExpiring || b == BucketPermanent }

// TxType classifies a ledger transaction.
type TxType string

const (
	TxSignupBonus   TxType = "signup_bonus"
	TxDailyBonus    TxType = "daily_bonus"
	TxGalleryAccess TxType = "gallery_access"
	TxDownload      TxType = "download"
	TxAdminGrant    TxType = "admin_grant"
	TxDailyExpire   TxType = "daily_expire"
)

// Account is the per-user balance state.
type Account struct {
	UserID             uuid.UUID // owned by the external identity collaborator
	ExpiringBalance    int64     // daily points, >= 0
	PermanentBalance   int64     // wallet points, >= 0
	SignupBonusGranted bool      // set exactly once at account opening
	CreatedAt          time.Time
}

// Total returns the only balance quantity exposed to callers.
func (a *Account) Total() int64 { return a.ExpiringBalance + a.PermanentBalance }

// DailyBonusRecord tracks one user's expiring-bucket activity for one day.
// Invariant: Used + Expired <= Earned; once Expired > 0 the record is closed.
type DailyBonusRecord struct {
	UserID       uuid.UUID
	Day          dates.Day
	Earned       int64
	Used         int64
	Expired      int64
	BonusClaimed bool
}

// Transaction is one append-only audit record of a balance change.
// Credits carry a positive Amount, debits a negative one; the
// UsedFromExpiring/UsedFromPermanent pair records how the amount split
// across the two buckets.
type Transaction struct {
	ID                uuid.UUID
	UserID            uuid.UUID
	Type              TxType
	Amount            int64
	UsedFromExpiring  int64
	UsedFromPermanent int64
	Description       string
	IdempotencyKey    string // empty when the caller supplied none
	CreatedAt         time.Time
}

// Balance is a point-in-time snapshot of both buckets.
type Balance struct {
	Expiring  int64
	Permanent int64
}

// Total returns the combined balance.
func (b Balance) Total() int64 { return b.Expiring + b.Permanent }

// BalanceStatus is the read model behind GET /points.
type BalanceStatus struct {
	Balance           Balance
	BonusClaimedToday bool
}

// CreditResult reports the outcome of a credit.
type CreditResult struct {
	Balance  Balance
	Replayed bool // true when an idempotency key matched a prior transaction
}

// DebitResult reports how a debit split across the buckets.
type DebitResult struct {
	UsedFromExpiring  int64
	UsedFromPermanent int64
	Balance           Balance
	Replayed          bool
}

// BonusGrant reports the outcome of a daily bonus claim.
// Granted is false on a same-day repeat, which is a successful no-op.
type BonusGrant struct {
	Granted bool
	Amount  int64
	Balance Balance
}

// AccessDecision reports the outcome of a gallery access authorization.
type AccessDecision struct {
	Granted           bool
	FreeAccess        bool // creator/admin bypass, no balance change
	PointsUsed        int64
	UsedFromExpiring  int64
	UsedFromPermanent int64
	Shortfall         int64 // points missing when Granted is false
	Balance           Balance
}

// AccessLogEntry is an audit row for a gallery access, free or paid.
type AccessLogEntry struct {
	ID         uuid.UUID
	UserID     uuid.UUID
	Role       Role
	PointsUsed int64
	FreeAccess bool
	AccessedAt time.Time
}

// ExpiryStats summarizes an expiry run (or one batch of it).
type ExpiryStats struct {
	RecordsClosed int64
	PointsExpired int64
}

// Add folds another batch into the running totals.
func (s *ExpiryStats) Add(other ExpiryStats) {
	s.RecordsClosed += other.RecordsClosed
	s.PointsExpired += other.PointsExpired
}
