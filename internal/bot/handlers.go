package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"serotonyl.ru/qvote/internal/common"
	"serotonyl.ru/qvote/internal/features/aggregation"
	"serotonyl.ru/qvote/internal/features/ledger"
	"serotonyl.ru/qvote/internal/features/voting"
)

const helpText = `Quadratic voting: n votes on one issue cost n² credits.

/balance - your credits
/vote <issue> <n> [private] - cast n votes
/quote <issue> - what you can still afford
/stats <issue> - issue totals
/top - issues ranked by urgency
/history - your last transactions`

// Handler turns commands into reply text. It has no Telegram dependency.
type Handler struct {
	ledger *ledger.Service
	engine *voting.Engine
	agg    *aggregation.Service
	loc    *time.Location
}

func NewHandler(led *ledger.Service, engine *voting.Engine, agg *aggregation.Service, timezone string) *Handler {
	return &Handler{
		ledger: led,
		engine: engine,
		agg:    agg,
		loc:    common.LoadLocation(timezone),
	}
}

// Confidential reports whether the reply to cmd may carry a private vote
// count and so belongs in a direct message rather than a group chat.
func Confidential(cmd string, args []string) bool {
	return cmd == "vote" && len(args) > 2 && strings.EqualFold(args[2], "private")
}

// Handle runs one command for userID and returns the reply.
func (h *Handler) Handle(ctx context.Context, userID, cmd string, args []string) string {
	switch cmd {
	case "start", "help":
		return helpText
	case "balance":
		return h.handleBalance(ctx, userID)
	case "vote":
		return h.handleVote(ctx, userID, args)
	case "quote":
		return h.handleQuote(ctx, userID, args)
	case "stats":
		return h.handleStats(ctx, args)
	case "top":
		return h.handleTop(ctx)
	case "history":
		return h.handleHistory(ctx, userID)
	}
	return ""
}

func (h *Handler) handleBalance(ctx context.Context, userID string) string {
	c, err := h.ledger.GetBalance(ctx, userID)
	if err != nil {
		return h.failure("balance", err)
	}
	return fmt.Sprintf("💰 Balance: %s\nEarned %s, spent %s",
		common.FormatCredits(c.Balance),
		common.FormatNumber(c.TotalEarned),
		common.FormatNumber(c.TotalSpent))
}

// handleVote: /vote <issue> <n> [private]
func (h *Handler) handleVote(ctx context.Context, userID string, args []string) string {
	if len(args) < 2 {
		return "❌ Format: /vote <issue> <n> [private]"
	}
	votes, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil || votes <= 0 {
		return "❌ Vote count must be a positive number"
	}
	private := Confidential("vote", args)

	receipt, err := h.engine.CastVote(ctx, voting.CastRequest{
		UserID:  userID,
		IssueID: args[0],
		Votes:   votes,
		Private: private,
	})
	if err != nil {
		return h.failure("vote", err)
	}

	text := fmt.Sprintf("✅ %s on %s for %s\nBalance: %s",
		common.FormatVotes(receipt.VotesCast),
		receipt.IssueID,
		common.FormatCredits(receipt.CreditsSpent),
		common.FormatCredits(receipt.RemainingBalance))
	if receipt.Private {
		text += "\n🔒 Stored encrypted"
	}
	return text
}

func (h *Handler) handleQuote(ctx context.Context, userID string, args []string) string {
	if len(args) < 1 {
		return "❌ Format: /quote <issue>"
	}
	q, err := h.engine.Quote(ctx, userID, args[0])
	if err != nil {
		return h.failure("quote", err)
	}
	return fmt.Sprintf("💰 %s\nUp to %s in one batch (%s)\nYour votes on %s so far: %d",
		common.FormatCredits(q.Balance),
		common.FormatVotes(q.MaxAffordable),
		common.FormatCredits(voting.Cost(q.MaxAffordable)),
		q.IssueID,
		q.VotesSoFar)
}

func (h *Handler) handleStats(ctx context.Context, args []string) string {
	if len(args) < 1 {
		return "❌ Format: /stats <issue>"
	}
	s, err := h.agg.GetStats(ctx, args[0])
	if err != nil {
		return h.failure("stats", err)
	}
	return fmt.Sprintf("📊 %s\n%s from %d %s\nCredits: %s\nUrgency: %.2f",
		s.IssueID,
		common.FormatVotes(s.WeightedVotes),
		s.VoterCount, common.Pluralize(s.VoterCount, "voter", "voters"),
		common.FormatNumber(s.TotalCredits),
		s.UrgencyScore)
}

func (h *Handler) handleTop(ctx context.Context) string {
	ranked, err := h.agg.Ranked(ctx, 10)
	if err != nil {
		return h.failure("top", err)
	}
	if len(ranked) == 0 {
		return "📊 No votes yet"
	}
	var sb strings.Builder
	sb.WriteString("📊 Most urgent issues\n")
	for i, s := range ranked {
		fmt.Fprintf(&sb, "\n%d. %s: urgency %.2f, %s", i+1, s.IssueID, s.UrgencyScore, common.FormatVotes(s.WeightedVotes))
	}
	return sb.String()
}

func (h *Handler) handleHistory(ctx context.Context, userID string) string {
	if _, err := h.ledger.GetOrInitialize(ctx, userID); err != nil {
		return h.failure("history", err)
	}
	txs, err := h.ledger.History(ctx, userID, 10)
	if err != nil {
		return h.failure("history", err)
	}
	var sb strings.Builder
	sb.WriteString("📜 Recent transactions\n")
	for _, tx := range txs {
		fmt.Fprintf(&sb, "\n%s  %s  %s",
			common.FormatDateTime(tx.CreatedAt, h.loc),
			common.FormatCreditsAmount(tx.Amount),
			tx.Description)
	}
	return sb.String()
}

// failure maps an error to a user-facing line. Expected conditions name
// the exact problem; infrastructure faults are logged and stay vague.
func (h *Handler) failure(op string, err error) string {
	var insufficient *common.InsufficientCreditError
	switch {
	case errors.As(err, &insufficient):
		return fmt.Sprintf("❌ Not enough credits: have %d, need %d (%s short). You can afford up to %s.",
			insufficient.Have, insufficient.Need,
			common.FormatCredits(insufficient.Short()),
			common.FormatVotes(voting.MaxAffordableVotes(insufficient.Have)))
	case errors.Is(err, common.ErrInvalidVoteCount),
		errors.Is(err, common.ErrVoteCountTooLarge):
		return fmt.Sprintf("❌ Vote count must be between 1 and %d", int64(voting.MaxVotesPerCast))
	case errors.Is(err, common.ErrPrivacyUnavailable):
		return "❌ Private voting is unavailable right now; your vote was not cast"
	case errors.Is(err, common.ErrInvalidIssue):
		return "❌ Issue id is required"
	}
	log.WithError(err).WithField("op", op).Error("Bot command failed")
	return "❌ Something went wrong, try again later"
}
