package models

import "time"

// VoteRecord is one vote-casting event. A user may cast several batches on the
// same issue; each batch is priced on its own count.
type VoteRecord struct {
	ID           string    `gorm:"primaryKey;size:36"      db:"id"            json:"id"`
	IssueID      string    `gorm:"not null;index;size:128" db:"issue_id"      json:"issueId"`
	UserID       string    `gorm:"not null;index;size:128" db:"user_id"       json:"userId"`
	VotesCast    int64     `gorm:"not null"                db:"votes_cast"    json:"votesCast"`
	CreditsSpent int64     `gorm:"not null"                db:"credits_spent" json:"creditsSpent"`
	IsPrivate    bool      `gorm:"not null;default:false"  db:"is_private"    json:"isPrivate"`
	Commitment   string    `gorm:"type:text"               db:"commitment"    json:"commitment,omitempty"`
	CreatedAt    time.Time `gorm:"not null"                db:"created_at"    json:"createdAt"`
}

func (VoteRecord) TableName() string { return "vote_records" }

// IssueVoteStats is the cached aggregate for one issue. RecordCount is the
// number of vote records the scan saw; a save with a smaller count is stale.
type IssueVoteStats struct {
	IssueID       string    `gorm:"primaryKey;size:128"  db:"issue_id"       json:"issueId"`
	WeightedVotes int64     `gorm:"not null;default:0"   db:"weighted_votes" json:"weightedVotes"`
	VoterCount    int64     `gorm:"not null;default:0"   db:"voter_count"    json:"voterCount"`
	TotalCredits  int64     `gorm:"not null;default:0"   db:"total_credits"  json:"totalCredits"`
	UrgencyScore  float64   `gorm:"not null;default:0"   db:"urgency_score"  json:"urgencyScore"`
	RecordCount   int64     `gorm:"not null;default:0"   db:"record_count"   json:"recordCount"`
	UpdatedAt     time.Time `gorm:"not null"             db:"updated_at"     json:"updatedAt"`
}

func (IssueVoteStats) TableName() string { return "issue_vote_stats" }

// MigrateModels lists the tables created by schema auto-migration.
var MigrateModels = []any{
	&UserCredit{},
	&CreditTransaction{},
	&VoteRecord{},
	&IssueVoteStats{},
}
