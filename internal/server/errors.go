package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"serotonyl.ru/qvote/internal/common"
)

type errorBody struct {
	Error string `json:"error"`
	Have  *int64 `json:"have,omitempty"`
	Need  *int64 `json:"need,omitempty"`
	Short *int64 `json:"short,omitempty"`
}

// statusFor maps the common error taxonomy onto HTTP.
func statusFor(err error) int {
	switch {
	case errors.Is(err, common.ErrInsufficientCredit):
		return http.StatusConflict
	case errors.Is(err, common.ErrInvalidVoteCount),
		errors.Is(err, common.ErrVoteCountTooLarge),
		errors.Is(err, common.ErrInvalidIssue),
		errors.Is(err, common.ErrInvalidAmount),
		errors.Is(err, common.ErrInvalidUser),
		errors.Is(err, common.ErrInvalidKind),
		errors.Is(err, common.ErrInvalidCommitment):
		return http.StatusBadRequest
	case errors.Is(err, common.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, common.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, common.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, common.ErrWindowOpen):
		return http.StatusTooEarly
	case errors.Is(err, common.ErrPrivacyUnavailable),
		errors.Is(err, common.ErrStorageFailure):
		return http.StatusServiceUnavailable
	case errors.Is(err, common.ErrLedgerMismatch):
		return http.StatusInternalServerError
	}
	return http.StatusInternalServerError
}

func writeError(c *gin.Context, err error) {
	status := statusFor(err)
	body := errorBody{Error: err.Error()}

	var insufficient *common.InsufficientCreditError
	if errors.As(err, &insufficient) {
		short := insufficient.Short()
		body.Have, body.Need, body.Short = &insufficient.Have, &insufficient.Need, &short
	}
	if status >= http.StatusInternalServerError {
		log.WithError(err).WithField("path", c.FullPath()).Error("Request failed")
		// infrastructure detail stays in the log
		if status == http.StatusInternalServerError {
			body.Error = "internal error"
		}
	}
	c.JSON(status, body)
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, errorBody{Error: msg})
}
