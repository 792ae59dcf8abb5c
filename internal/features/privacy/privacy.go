// Package privacy implements confidential vote commitments.
//
// A private vote carries a Paillier encryption of its count. Public readers
// see only that commitment: listings redact the count and issue stats leave
// private batches out. The ledger keeps the plaintext for the voter's own
// views and the spend.
//
// Ciphertexts for one issue multiply into an encryption of the total, which
// is only decrypted after the voting window closes. The reveal carries the
// encryption randomness of the aggregate, so anyone holding the public key
// can check that the published total opens the aggregate without learning
// any individual vote.
package privacy

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"slices"
	"time"

	"golang.org/x/crypto/blake2b"

	"serotonyl.ru/qvote/internal/common"
)

// Commitment binds one private vote. It does not reveal the count.
type Commitment struct {
	IssueID    string `json:"issueId"`
	Ciphertext string `json:"ciphertext"` // hex Enc(votes)
	Digest     string `json:"digest"`     // hex blake2b-256(issue, ciphertext)
	VoterTag   string `json:"voterTag"`   // hex keyed blake2b-256(issue, user)
}

// Encode serializes the commitment for storage in a vote record.
func (c *Commitment) Encode() string {
	buf, _ := json.Marshal(c)
	return string(buf)
}

// DecodeCommitment parses a stored commitment.
func DecodeCommitment(s string) (*Commitment, error) {
	var c Commitment
	if err := json.Unmarshal([]byte(s), &c); err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrInvalidCommitment, err)
	}
	if c.IssueID == "" || c.Ciphertext == "" || c.Digest == "" {
		return nil, common.ErrInvalidCommitment
	}
	return &c, nil
}

// EncryptedAggregate is the homomorphic sum of an issue's commitments.
type EncryptedAggregate struct {
	IssueID    string    `json:"issueId"`
	Ciphertext string    `json:"ciphertext"`
	Digests    []string  `json:"digests"` // sorted
	Root       string    `json:"root"`
	VoterCount int64     `json:"voterCount"`
	ClosesAt   time.Time `json:"closesAt"`
}

// Reveal is the opened aggregate.
type Reveal struct {
	IssueID    string `json:"issueId"`
	TotalVotes int64  `json:"totalVotes"`
	VoterCount int64  `json:"voterCount"`
	Root       string `json:"root"`
	Proof      string `json:"proof"` // hex randomness opening the aggregate
}

// Decrypter opens an aggregate ciphertext. In a threshold deployment this is
// a client of the key holders; LocalDecrypter keeps the key in process.
type Decrypter interface {
	Decrypt(ctx context.Context, c *big.Int) (m, r *big.Int, err error)
}

// LocalDecrypter decrypts with a key held in memory.
type LocalDecrypter struct {
	key *PrivateKey
}

func NewLocalDecrypter(key *PrivateKey) *LocalDecrypter {
	return &LocalDecrypter{key: key}
}

func (d *LocalDecrypter) Decrypt(_ context.Context, c *big.Int) (*big.Int, *big.Int, error) {
	return d.key.Decrypt(c)
}

// Service is the privacy layer. The zero value is a disabled layer.
type Service struct {
	pub    *PublicKey
	dec    Decrypter
	tagKey []byte
}

// NewService creates an enabled layer. tagSecret keys the voter tags.
func NewService(pub *PublicKey, dec Decrypter, tagSecret string) *Service {
	key := blake2b.Sum256([]byte(tagSecret))
	return &Service{pub: pub, dec: dec, tagKey: key[:]}
}

// Disabled returns a layer that rejects every operation.
func Disabled() *Service {
	return &Service{}
}

func (s *Service) Enabled() bool {
	return s != nil && s.pub != nil
}

// PublicKey returns the encryption key, nil when disabled.
func (s *Service) PublicKey() *PublicKey {
	if !s.Enabled() {
		return nil
	}
	return s.pub
}

// Commit encrypts a vote count for one issue.
func (s *Service) Commit(issueID, userID string, votes int64) (*Commitment, error) {
	if !s.Enabled() {
		return nil, common.ErrPrivacyUnavailable
	}
	if votes <= 0 {
		return nil, common.ErrInvalidVoteCount
	}
	c, _, err := s.pub.Encrypt(rand.Reader, big.NewInt(votes))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrPrivacyUnavailable, err)
	}
	ct := c.Text(16)
	return &Commitment{
		IssueID:    issueID,
		Ciphertext: ct,
		Digest:     digest(issueID, ct),
		VoterTag:   s.voterTag(issueID, userID),
	}, nil
}

// AggregateCommitments folds commitments for one issue into one ciphertext.
func (s *Service) AggregateCommitments(issueID string, commitments []*Commitment, closesAt time.Time) (*EncryptedAggregate, error) {
	if !s.Enabled() {
		return nil, common.ErrPrivacyUnavailable
	}
	cts := make([]*big.Int, 0, len(commitments))
	digests := make([]string, 0, len(commitments))
	voters := make(map[string]struct{}, len(commitments))
	for _, cm := range commitments {
		c, err := s.parseCommitment(issueID, cm)
		if err != nil {
			return nil, err
		}
		cts = append(cts, c)
		digests = append(digests, cm.Digest)
		voters[cm.VoterTag] = struct{}{}
	}
	slices.Sort(digests)
	return &EncryptedAggregate{
		IssueID:    issueID,
		Ciphertext: s.pub.Add(cts...).Text(16),
		Digests:    digests,
		Root:       root(issueID, digests),
		VoterCount: int64(len(voters)),
		ClosesAt:   closesAt.UTC(),
	}, nil
}

// RevealAggregate decrypts the total once now is past ClosesAt.
func (s *Service) RevealAggregate(ctx context.Context, agg *EncryptedAggregate, now time.Time) (*Reveal, error) {
	if !s.Enabled() || s.dec == nil {
		return nil, common.ErrPrivacyUnavailable
	}
	if now.Before(agg.ClosesAt) {
		return nil, common.ErrWindowOpen
	}
	c, ok := new(big.Int).SetString(agg.Ciphertext, 16)
	if !ok || !s.validAggregate(c) {
		return nil, common.ErrInvalidCommitment
	}
	m, r := new(big.Int), big.NewInt(1)
	var err error
	if c.Cmp(one) != 0 {
		m, r, err = s.dec.Decrypt(ctx, c)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrPrivacyUnavailable, err)
	}
	if !m.IsInt64() {
		return nil, common.ErrInvalidCommitment
	}
	return &Reveal{
		IssueID:    agg.IssueID,
		TotalVotes: m.Int64(),
		VoterCount: agg.VoterCount,
		Root:       agg.Root,
		Proof:      r.Text(16),
	}, nil
}

// VerifyReveal checks that the revealed total opens the aggregate.
func (s *Service) VerifyReveal(agg *EncryptedAggregate, rv *Reveal) bool {
	if !s.Enabled() || agg == nil || rv == nil {
		return false
	}
	if rv.IssueID != agg.IssueID || rv.Root != agg.Root || rv.VoterCount != agg.VoterCount {
		return false
	}
	c, ok1 := new(big.Int).SetString(agg.Ciphertext, 16)
	r, ok2 := new(big.Int).SetString(rv.Proof, 16)
	if !ok1 || !ok2 || rv.TotalVotes < 0 {
		return false
	}
	return s.pub.VerifyOpening(c, big.NewInt(rv.TotalVotes), r)
}

// VerifyInclusion reports whether the commitment was folded into agg.
func VerifyInclusion(cm *Commitment, agg *EncryptedAggregate) bool {
	if cm == nil || agg == nil || cm.IssueID != agg.IssueID {
		return false
	}
	if digest(cm.IssueID, cm.Ciphertext) != cm.Digest {
		return false
	}
	if _, found := slices.BinarySearch(agg.Digests, cm.Digest); !found {
		return false
	}
	return root(agg.IssueID, agg.Digests) == agg.Root
}

func (s *Service) parseCommitment(issueID string, cm *Commitment) (*big.Int, error) {
	if cm == nil || cm.IssueID != issueID || digest(cm.IssueID, cm.Ciphertext) != cm.Digest {
		return nil, common.ErrInvalidCommitment
	}
	c, ok := new(big.Int).SetString(cm.Ciphertext, 16)
	if !ok || !s.pub.ValidCiphertext(c) {
		return nil, common.ErrInvalidCommitment
	}
	return c, nil
}

// validAggregate accepts the empty aggregate (1 encrypts 0 with r = 1).
func (s *Service) validAggregate(c *big.Int) bool {
	return c.Cmp(one) == 0 || s.pub.ValidCiphertext(c)
}

func (s *Service) voterTag(issueID, userID string) string {
	h, _ := blake2b.New256(s.tagKey)
	h.Write([]byte(issueID))
	h.Write([]byte{0})
	h.Write([]byte(userID))
	return hex.EncodeToString(h.Sum(nil))
}

func digest(issueID, ciphertext string) string {
	h, _ := blake2b.New256(nil)
	h.Write([]byte(issueID))
	h.Write([]byte{0})
	h.Write([]byte(ciphertext))
	return hex.EncodeToString(h.Sum(nil))
}

// root hashes the sorted digest list so the set cannot be edited unnoticed.
func root(issueID string, digests []string) string {
	h, _ := blake2b.New256(nil)
	h.Write([]byte(issueID))
	for _, d := range digests {
		h.Write([]byte{0})
		h.Write([]byte(d))
	}
	return hex.EncodeToString(h.Sum(nil))
}
