package notify

import "strings"

const (
	balancePrefix = "balance:"
	votesPrefix   = "votes:"

	// TopicAllVotes receives every stats refresh.
	TopicAllVotes Topic = "votes"
)

// BalanceTopic is the per-user balance topic.
func BalanceTopic(userID string) Topic {
	return Topic(balancePrefix + userID)
}

// VotesTopic is the per-issue stats topic.
func VotesTopic(issueID string) Topic {
	return Topic(votesPrefix + issueID)
}

// BalanceOwner returns the user of a balance topic.
func BalanceOwner(topic Topic) (string, bool) {
	userID, ok := strings.CutPrefix(string(topic), balancePrefix)
	return userID, ok && userID != ""
}

// ValidTopic reports whether clients may subscribe to topic.
func ValidTopic(topic Topic) bool {
	if topic == TopicAllVotes {
		return true
	}
	if _, ok := BalanceOwner(topic); ok {
		return true
	}
	issueID, ok := strings.CutPrefix(string(topic), votesPrefix)
	return ok && issueID != ""
}

// topicClass strips the id so metric label cardinality stays bounded.
func topicClass(topic Topic) string {
	switch {
	case strings.HasPrefix(string(topic), balancePrefix):
		return "balance"
	case topic == TopicAllVotes:
		return "votes_all"
	case strings.HasPrefix(string(topic), votesPrefix):
		return "votes"
	}
	return "other"
}

// BalanceChanged is the payload of a balance topic.
type BalanceChanged struct {
	UserID  string `json:"userId"`
	Balance int64  `json:"balance"`
}
