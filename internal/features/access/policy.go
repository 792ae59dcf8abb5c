// Package access decides who may do what. Users read their own ledger rows
// and vote as themselves; anyone reads votes and stats; only the service
// identity grants credits or opens private tallies.
package access

import (
	"serotonyl.ru/qvote/internal/common"
	"serotonyl.ru/qvote/internal/notify"
)

// Caller is an authenticated principal.
type Caller struct {
	UserID  string // empty for the service identity
	Service bool
}

// ServiceCaller is the privileged identity used by trusted back ends.
var ServiceCaller = Caller{Service: true}

// User returns a caller acting as userID.
func User(userID string) Caller {
	return Caller{UserID: userID}
}

// CanReadLedger allows the owner and the service identity.
func (c Caller) CanReadLedger(userID string) error {
	if c.Service || (c.UserID != "" && c.UserID == userID) {
		return nil
	}
	return common.ErrForbidden
}

// CanCastAs allows a user to vote only as themselves. The service identity
// never votes.
func (c Caller) CanCastAs(userID string) error {
	if !c.Service && c.UserID != "" && c.UserID == userID {
		return nil
	}
	return common.ErrForbidden
}

// CanAward allows only the service identity.
func (c Caller) CanAward() error {
	if c.Service {
		return nil
	}
	return common.ErrForbidden
}

// CanReveal allows only the service identity.
func (c Caller) CanReveal() error {
	return c.CanAward()
}

// CanSubscribe allows public topics to anyone and balance topics to their
// owner.
func (c Caller) CanSubscribe(topic notify.Topic) error {
	if !notify.ValidTopic(topic) {
		return common.ErrNotFound
	}
	if owner, ok := notify.BalanceOwner(topic); ok {
		return c.CanReadLedger(owner)
	}
	return nil
}
