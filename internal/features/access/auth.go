package access

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/blake2b"

	"serotonyl.ru/qvote/internal/common"
)

// Authenticator turns a bearer token into a Caller. The service identity
// presents a static opaque token (no dots) checked against an Argon2id hash;
// users present an HS256 JWT whose subject is their user id.
type Authenticator struct {
	jwtSecret   []byte
	issuer      string
	serviceHash string

	// digest of the last service token that verified, so Argon2 runs once
	mu            sync.Mutex
	serviceDigest []byte
}

// NewAuthenticator creates an authenticator. An empty serviceHash disables
// the service identity; an empty jwtSecret disables user tokens.
func NewAuthenticator(jwtSecret, issuer, serviceHash string) *Authenticator {
	return &Authenticator{
		jwtSecret:   []byte(jwtSecret),
		issuer:      issuer,
		serviceHash: serviceHash,
	}
}

// Authenticate resolves a bearer token.
func (a *Authenticator) Authenticate(token string) (Caller, error) {
	if token == "" {
		return Caller{}, common.ErrUnauthenticated
	}
	// Service tokens are opaque; anything else must be a JWT
	if strings.Count(token, ".") != 2 {
		if a.isServiceToken(token) {
			return ServiceCaller, nil
		}
		return Caller{}, common.ErrUnauthenticated
	}
	if len(a.jwtSecret) == 0 {
		return Caller{}, common.ErrUnauthenticated
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return a.jwtSecret, nil
	}, opts...)
	if err != nil {
		return Caller{}, fmt.Errorf("%w: %w", common.ErrUnauthenticated, err)
	}
	if claims.Subject == "" {
		return Caller{}, fmt.Errorf("%w: token has no subject", common.ErrUnauthenticated)
	}
	return User(claims.Subject), nil
}

// IssueToken signs a user token. Used by trusted front ends and tests.
func (a *Authenticator) IssueToken(userID string, ttl time.Duration) (string, error) {
	if len(a.jwtSecret) == 0 {
		return "", errors.New("jwt secret not configured")
	}
	if userID == "" {
		return "", common.ErrInvalidUser
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		Issuer:    a.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.jwtSecret)
}

func (a *Authenticator) isServiceToken(token string) bool {
	if a.serviceHash == "" {
		return false
	}
	sum := blake2b.Sum256([]byte(token))

	a.mu.Lock()
	cached := a.serviceDigest
	a.mu.Unlock()
	if cached != nil {
		return subtle.ConstantTimeCompare(cached, sum[:]) == 1
	}

	if !VerifyToken(token, a.serviceHash) {
		return false
	}
	a.mu.Lock()
	a.serviceDigest = sum[:]
	a.mu.Unlock()
	return true
}
