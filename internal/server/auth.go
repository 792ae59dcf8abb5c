package server

import (
	"strings"

	"github.com/gin-gonic/gin"

	"serotonyl.ru/qvote/internal/common"
	"serotonyl.ru/qvote/internal/features/access"
)

const callerKey = "qvote.caller"

// authenticate resolves the bearer token into a Caller. Browsers cannot set
// headers on websocket upgrades, so the token may also come as ?access_token.
func (s *Server) authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok {
			token = c.Query("access_token")
		}
		caller, err := s.deps.Auth.Authenticate(strings.TrimSpace(token))
		if err != nil {
			writeError(c, common.ErrUnauthenticated)
			c.Abort()
			return
		}
		c.Set(callerKey, caller)
		c.Next()
	}
}

func callerFrom(c *gin.Context) access.Caller {
	v, _ := c.Get(callerKey)
	caller, _ := v.(access.Caller)
	return caller
}

func rateKey(c *gin.Context) string {
	caller := callerFrom(c)
	if caller.Service {
		return "service"
	}
	return "user:" + caller.UserID
}
