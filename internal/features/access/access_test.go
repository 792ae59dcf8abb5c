package access_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"serotonyl.ru/qvote/internal/common"
	"serotonyl.ru/qvote/internal/features/access"
	"serotonyl.ru/qvote/internal/notify"
)

func TestPolicy(t *testing.T) {
	alice := access.User("alice")
	svc := access.ServiceCaller

	assert.NoError(t, alice.CanReadLedger("alice"))
	assert.ErrorIs(t, alice.CanReadLedger("bob"), common.ErrForbidden)
	assert.NoError(t, svc.CanReadLedger("bob"))

	assert.NoError(t, alice.CanCastAs("alice"))
	assert.ErrorIs(t, alice.CanCastAs("bob"), common.ErrForbidden)
	assert.ErrorIs(t, svc.CanCastAs("bob"), common.ErrForbidden)

	assert.ErrorIs(t, alice.CanAward(), common.ErrForbidden)
	assert.NoError(t, svc.CanAward())
	assert.ErrorIs(t, alice.CanReveal(), common.ErrForbidden)

	assert.NoError(t, alice.CanSubscribe(notify.BalanceTopic("alice")))
	assert.ErrorIs(t, alice.CanSubscribe(notify.BalanceTopic("bob")), common.ErrForbidden)
	assert.NoError(t, alice.CanSubscribe(notify.VotesTopic("pothole")))
	assert.NoError(t, access.Caller{}.CanSubscribe(notify.TopicAllVotes))
	assert.ErrorIs(t, alice.CanSubscribe("nonsense"), common.ErrNotFound)

	assert.ErrorIs(t, access.Caller{}.CanReadLedger(""), common.ErrForbidden)
}

func TestHashAndVerifyToken(t *testing.T) {
	hash, err := access.HashToken("s3rvice-token")
	require.NoError(t, err)
	assert.Contains(t, hash, "$argon2id$v=19$m=65536,t=3,p=2$")

	assert.True(t, access.VerifyToken("s3rvice-token", hash))
	assert.False(t, access.VerifyToken("wrong", hash))
	assert.False(t, access.VerifyToken("s3rvice-token", "not-a-hash"))
	assert.False(t, access.VerifyToken("s3rvice-token", "$argon2id$v=19$m=x$a$b"))
}

func TestAuthenticateServiceToken(t *testing.T) {
	hash, err := access.HashToken("backend-token")
	require.NoError(t, err)
	auth := access.NewAuthenticator("jwt-secret", "qvote", hash)

	for range 2 {
		caller, err := auth.Authenticate("backend-token")
		require.NoError(t, err)
		assert.True(t, caller.Service)
	}
	_, err = auth.Authenticate("other-token")
	assert.ErrorIs(t, err, common.ErrUnauthenticated)
	_, err = auth.Authenticate("")
	assert.ErrorIs(t, err, common.ErrUnauthenticated)
}

func TestAuthenticateUserToken(t *testing.T) {
	auth := access.NewAuthenticator("jwt-secret", "qvote", "")
	token, err := auth.IssueToken("tg:42", time.Minute)
	require.NoError(t, err)

	caller, err := auth.Authenticate(token)
	require.NoError(t, err)
	assert.Equal(t, "tg:42", caller.UserID)
	assert.False(t, caller.Service)

	expired, err := auth.IssueToken("tg:42", -time.Minute)
	require.NoError(t, err)
	_, err = auth.Authenticate(expired)
	assert.ErrorIs(t, err, common.ErrUnauthenticated)

	foreign := access.NewAuthenticator("other-secret", "qvote", "")
	forged, err := foreign.IssueToken("tg:42", time.Minute)
	require.NoError(t, err)
	_, err = auth.Authenticate(forged)
	assert.ErrorIs(t, err, common.ErrUnauthenticated)

	otherIssuer := access.NewAuthenticator("jwt-secret", "elsewhere", "")
	wrongIss, err := otherIssuer.IssueToken("tg:42", time.Minute)
	require.NoError(t, err)
	_, err = auth.Authenticate(wrongIss)
	assert.ErrorIs(t, err, common.ErrUnauthenticated)
}
