package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"serotonyl.ru/qvote/internal/features/aggregation"
	"serotonyl.ru/qvote/internal/features/ledger"
	"serotonyl.ru/qvote/internal/features/voting"
	"serotonyl.ru/qvote/internal/models"
)

const (
	defaultHistoryLimit = 50
	maxListLimit        = 500
)

type castVoteRequest struct {
	Votes   int64 `json:"votes"`
	Private bool  `json:"private"`
}

type awardRequest struct {
	Amount      int64   `json:"amount"`
	Reason      string  `json:"reason"`
	Kind        string  `json:"kind"`
	ReferenceID *string `json:"referenceId"`
}

type revealRequest struct {
	ClosesAt time.Time `json:"closesAt"`
}

func (s *Server) handleOwnBalance(c *gin.Context) {
	caller := callerFrom(c)
	if caller.Service {
		badRequest(c, "service identity has no balance; use /v1/users/:userId/balance")
		return
	}
	s.balance(c, caller.UserID)
}

func (s *Server) handleBalance(c *gin.Context) {
	s.balance(c, c.Param("userId"))
}

func (s *Server) balance(c *gin.Context, userID string) {
	if err := callerFrom(c).CanReadLedger(userID); err != nil {
		writeError(c, err)
		return
	}
	credit, err := s.deps.Ledger.GetBalance(c.Request.Context(), userID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, credit)
}

func (s *Server) handleTransactions(c *gin.Context) {
	userID := c.Param("userId")
	if err := callerFrom(c).CanReadLedger(userID); err != nil {
		writeError(c, err)
		return
	}
	limit, ok := queryLimit(c, defaultHistoryLimit)
	if !ok {
		return
	}
	txs, err := s.deps.Ledger.History(c.Request.Context(), userID, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": nonNil(txs)})
}

func (s *Server) handleAudit(c *gin.Context) {
	userID := c.Param("userId")
	if err := callerFrom(c).CanReadLedger(userID); err != nil {
		writeError(c, err)
		return
	}
	report, err := s.deps.Ledger.Audit(c.Request.Context(), userID)
	if report != nil {
		// a mismatch is a finding, not a failed request
		c.JSON(http.StatusOK, report)
		return
	}
	writeError(c, err)
}

func (s *Server) handleAward(c *gin.Context) {
	if err := callerFrom(c).CanAward(); err != nil {
		writeError(c, err)
		return
	}
	var req awardRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid body")
		return
	}
	credit, err := s.deps.Ledger.Award(c.Request.Context(), ledger.AwardRequest{
		UserID:      c.Param("userId"),
		Amount:      req.Amount,
		Kind:        models.TransactionKind(req.Kind),
		Description: req.Reason,
		ReferenceID: req.ReferenceID,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, credit)
}

func (s *Server) handleRanked(c *gin.Context) {
	limit, ok := queryLimit(c, aggregation.DefaultRankLimit)
	if !ok {
		return
	}
	ranked, err := s.deps.Aggregation.Ranked(c.Request.Context(), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"issues": nonNil(ranked)})
}

func (s *Server) handleStats(c *gin.Context) {
	stats, err := s.deps.Aggregation.GetStats(c.Request.Context(), c.Param("issueId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) handleListVotes(c *gin.Context) {
	votes, err := s.deps.Engine.ListVotes(c.Request.Context(), c.Param("issueId"), callerFrom(c).UserID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"votes": nonNil(votes)})
}

func (s *Server) handleCastVote(c *gin.Context) {
	caller := callerFrom(c)
	if err := caller.CanCastAs(caller.UserID); err != nil {
		writeError(c, err)
		return
	}
	var req castVoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid body")
		return
	}
	receipt, err := s.deps.Engine.CastVote(c.Request.Context(), voting.CastRequest{
		UserID:  caller.UserID,
		IssueID: c.Param("issueId"),
		Votes:   req.Votes,
		Private: req.Private,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, receipt)
}

func (s *Server) handleQuote(c *gin.Context) {
	caller := callerFrom(c)
	userID := caller.UserID
	if caller.Service {
		userID = c.Query("userId")
	}
	if err := caller.CanReadLedger(userID); err != nil {
		writeError(c, err)
		return
	}
	q, err := s.deps.Engine.Quote(c.Request.Context(), userID, c.Param("issueId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, q)
}

func (s *Server) handleReveal(c *gin.Context) {
	if err := callerFrom(c).CanReveal(); err != nil {
		writeError(c, err)
		return
	}
	var req revealRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.ClosesAt.IsZero() {
		badRequest(c, "closesAt is required")
		return
	}
	agg, reveal, err := s.deps.Engine.RevealPrivate(c.Request.Context(), c.Param("issueId"), req.ClosesAt)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"aggregate": agg, "reveal": reveal})
}

func queryLimit(c *gin.Context, def int) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 || n > maxListLimit {
		badRequest(c, "limit must be between 1 and "+strconv.Itoa(maxListLimit))
		return 0, false
	}
	return n, true
}

// nonNil keeps empty lists as [] in JSON.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
