// Package models describes the rows owned by the ledger and the voting engine.
// The same structs are used by both storage backends: gorm reads the gorm tags,
// the PostgreSQL repository maps columns by hand.
package models

import "time"

// TransactionKind is the reason a ledger row was written.
type TransactionKind string

const (
	KindPeriodicReplenish TransactionKind = "periodic_replenish" // Scheduled grant
	KindMeritAward        TransactionKind = "merit_award"        // Starting grant and merit awards
	KindVoteSpend         TransactionKind = "vote_spend"         // Credits spent on votes
	KindAdminGrant        TransactionKind = "admin_grant"        // Privileged manual grant
)

// Valid reports whether k is one of the known kinds.
func (k TransactionKind) Valid() bool {
	switch k {
	case KindPeriodicReplenish, KindMeritAward, KindVoteSpend, KindAdminGrant:
		return true
	}
	return false
}

// UserCredit is a user's spendable balance.
// Invariant: Balance = TotalEarned - TotalSpent and Balance >= 0.
type UserCredit struct {
	UserID            string    `gorm:"primaryKey;size:128"    db:"user_id"             json:"userId"`
	Balance           int64     `gorm:"not null;default:0"     db:"balance"             json:"balance"`
	TotalEarned       int64     `gorm:"not null;default:0"     db:"total_earned"        json:"totalEarned"`
	TotalSpent        int64     `gorm:"not null;default:0"     db:"total_spent"         json:"totalSpent"`
	LastReplenishedAt time.Time `gorm:"not null;index"         db:"last_replenished_at" json:"lastReplenishedAt"`
	CreatedAt         time.Time `gorm:"not null"               db:"created_at"          json:"createdAt"`
	UpdatedAt         time.Time `gorm:"not null"               db:"updated_at"          json:"updatedAt"`
}

func (UserCredit) TableName() string { return "user_credits" }

// Consistent checks the balance invariant.
func (c *UserCredit) Consistent() bool {
	return c.Balance >= 0 && c.Balance == c.TotalEarned-c.TotalSpent
}

// CreditTransaction is one append-only ledger row.
// Amount is positive for credits earned and negative for credits spent.
type CreditTransaction struct {
	ID          int64           `gorm:"primaryKey;autoIncrement" db:"id"           json:"id"`
	UserID      string          `gorm:"not null;index;size:128"  db:"user_id"      json:"userId"`
	Amount      int64           `gorm:"not null"                 db:"amount"       json:"amount"`
	Kind        TransactionKind `gorm:"not null;size:32"         db:"kind"         json:"kind"`
	Description string          `gorm:"type:text"                db:"description"  json:"description"`
	ReferenceID *string         `gorm:"size:128"                 db:"reference_id" json:"referenceId,omitempty"`
	CreatedAt   time.Time       `gorm:"not null;index"           db:"created_at"   json:"createdAt"`
}

func (CreditTransaction) TableName() string { return "credit_transactions" }
