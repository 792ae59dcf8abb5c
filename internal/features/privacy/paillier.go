package privacy

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"os"
	"path/filepath"
)

var one = big.NewInt(1)

// PublicKey is a Paillier public key with g = n + 1.
type PublicKey struct {
	N        *big.Int
	NSquared *big.Int
}

// PrivateKey holds the factorization-derived trapdoor.
type PrivateKey struct {
	PublicKey
	p, q   *big.Int
	lambda *big.Int // lcm(p-1, q-1)
	mu     *big.Int // lambda^-1 mod n
	nInv   *big.Int // n^-1 mod lambda, recovers the encryption randomness
}

// GenerateKey creates a key whose modulus has the given bit length.
func GenerateKey(random io.Reader, bits int) (*PrivateKey, error) {
	if bits < 512 {
		return nil, fmt.Errorf("paillier: key size %d too small", bits)
	}
	for {
		p, err := rand.Prime(random, bits/2)
		if err != nil {
			return nil, err
		}
		q, err := rand.Prime(random, bits-bits/2)
		if err != nil {
			return nil, err
		}
		if p.Cmp(q) == 0 {
			continue
		}
		key, err := newPrivateKey(p, q)
		if err != nil {
			continue
		}
		return key, nil
	}
}

func newPrivateKey(p, q *big.Int) (*PrivateKey, error) {
	n := new(big.Int).Mul(p, q)
	pm1 := new(big.Int).Sub(p, one)
	qm1 := new(big.Int).Sub(q, one)
	phi := new(big.Int).Mul(pm1, qm1)
	if new(big.Int).GCD(nil, nil, n, phi).Cmp(one) != 0 {
		return nil, errors.New("paillier: gcd(n, phi) != 1")
	}
	gcd := new(big.Int).GCD(nil, nil, pm1, qm1)
	lambda := new(big.Int).Div(phi, gcd)
	mu := new(big.Int).ModInverse(lambda, n)
	nInv := new(big.Int).ModInverse(n, lambda)
	if mu == nil || nInv == nil {
		return nil, errors.New("paillier: degenerate key")
	}
	return &PrivateKey{
		PublicKey: PublicKey{N: n, NSquared: new(big.Int).Mul(n, n)},
		p:         p,
		q:         q,
		lambda:    lambda,
		mu:        mu,
		nInv:      nInv,
	}, nil
}

// Encrypt returns Enc(m) and the randomness used.
func (pk *PublicKey) Encrypt(random io.Reader, m *big.Int) (c, r *big.Int, err error) {
	if m.Sign() < 0 || m.Cmp(pk.N) >= 0 {
		return nil, nil, errors.New("paillier: message out of range")
	}
	for {
		r, err = rand.Int(random, pk.N)
		if err != nil {
			return nil, nil, err
		}
		if r.Sign() > 0 && new(big.Int).GCD(nil, nil, r, pk.N).Cmp(one) == 0 {
			break
		}
	}
	return pk.encryptWith(m, r), r, nil
}

// encryptWith computes (1 + m*n) * r^n mod n², which equals g^m * r^n.
func (pk *PublicKey) encryptWith(m, r *big.Int) *big.Int {
	gm := new(big.Int).Mul(m, pk.N)
	gm.Add(gm, one)
	gm.Mod(gm, pk.NSquared)
	rn := new(big.Int).Exp(r, pk.N, pk.NSquared)
	return gm.Mul(gm, rn).Mod(gm, pk.NSquared)
}

// Add combines ciphertexts so that the result decrypts to the sum.
func (pk *PublicKey) Add(cs ...*big.Int) *big.Int {
	acc := big.NewInt(1)
	for _, c := range cs {
		acc.Mul(acc, c).Mod(acc, pk.NSquared)
	}
	return acc
}

// ValidCiphertext checks 1 < c < n² and gcd(c, n²) = 1.
func (pk *PublicKey) ValidCiphertext(c *big.Int) bool {
	if c == nil || c.Cmp(one) <= 0 || c.Cmp(pk.NSquared) >= 0 {
		return false
	}
	return new(big.Int).GCD(nil, nil, c, pk.NSquared).Cmp(one) == 0
}

// VerifyOpening reports whether c encrypts m under randomness r.
func (pk *PublicKey) VerifyOpening(c, m, r *big.Int) bool {
	if r == nil || r.Sign() <= 0 || r.Cmp(pk.N) >= 0 || m == nil || m.Sign() < 0 || m.Cmp(pk.N) >= 0 {
		return false
	}
	return pk.encryptWith(m, r).Cmp(c) == 0
}

// Decrypt returns the plaintext of c and the randomness r with
// c = g^m * r^n mod n², which lets anyone check the opening with the
// public key alone.
func (sk *PrivateKey) Decrypt(c *big.Int) (m, r *big.Int, err error) {
	if !sk.ValidCiphertext(c) {
		return nil, nil, errors.New("paillier: invalid ciphertext")
	}
	// m = L(c^lambda mod n²) * mu mod n, L(x) = (x-1)/n
	x := new(big.Int).Exp(c, sk.lambda, sk.NSquared)
	x.Sub(x, one).Div(x, sk.N)
	m = x.Mul(x, sk.mu).Mod(x, sk.N)

	// r^n = c * g^-m mod n², then r = (r^n)^(n^-1 mod lambda) mod n
	gm := new(big.Int).Mul(m, sk.N)
	gm.Add(gm, one)
	gmInv := new(big.Int).ModInverse(gm, sk.NSquared)
	if gmInv == nil {
		return nil, nil, errors.New("paillier: invalid ciphertext")
	}
	rn := new(big.Int).Mul(c, gmInv)
	rn.Mod(rn, sk.NSquared).Mod(rn, sk.N)
	r = rn.Exp(rn, sk.nInv, sk.N)
	return m, r, nil
}

type keyFile struct {
	P string `json:"p"`
	Q string `json:"q"`
}

// LoadOrCreateKey reads the key from path, or generates one and writes it
// there with 0600 permissions.
func LoadOrCreateKey(path string, bits int) (*PrivateKey, error) {
	buf, err := os.ReadFile(path)
	if err == nil {
		var kf keyFile
		if err := json.Unmarshal(buf, &kf); err != nil {
			return nil, fmt.Errorf("parse key file: %w", err)
		}
		p, okP := new(big.Int).SetString(kf.P, 16)
		q, okQ := new(big.Int).SetString(kf.Q, 16)
		if !okP || !okQ {
			return nil, errors.New("parse key file: bad factor encoding")
		}
		return newPrivateKey(p, q)
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	key, err := GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, err
	}
	buf, err = json.Marshal(keyFile{P: key.p.Text(16), Q: key.q.Text(16)})
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create key dir: %w", err)
	}
	if err := os.WriteFile(path, buf, 0o600); err != nil {
		return nil, fmt.Errorf("write key file: %w", err)
	}
	return key, nil
}
