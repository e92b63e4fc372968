package security

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/pbkdf2"
)

// Credential algorithm tags stored alongside every hash.
const (
	AlgoBcrypt   = "bcrypt"
	AlgoArgon2id = "argon2id"
	AlgoPBKDF2   = "pbkdf2-sha256"
	// AlgoSHA256 is salted single-round SHA-256. Kept only to verify credentials imported from older stores.
	AlgoSHA256 = "sha256"
)

var (
	// ErrUnknownAlgorithm is returned for an algorithm tag no hasher is registered for.
	ErrUnknownAlgorithm = errors.New("unknown password algorithm")
	// ErrVerifyOnly is returned when asked to hash with an algorithm that is kept for verification only.
	ErrVerifyOnly = errors.New("password algorithm is verify-only")
)

// Digest is a password hash plus the metadata needed to verify a candidate against it.
type Digest struct {
	Algo   string
	Hash   string
	Salt   string
	Params map[string]int
}

// PasswordHasher hashes and verifies passwords for one algorithm. Callers must not log or
// persist plaintext passwords.
type PasswordHasher interface {
	Algo() string
	Hash(password []byte) (Digest, error)
	Verify(d Digest, password []byte) bool
}

// Hasher hashes and verifies passwords using bcrypt.
type Hasher struct {
	Cost int
}

// NewHasher returns a bcrypt Hasher with the given cost (4–31). Cost 12 is a
// reasonable default for interactive login.
func NewHasher(cost int) *Hasher {
	if cost <= 0 {
		cost = bcrypt.DefaultCost
	}
	if cost < bcrypt.MinCost {
		cost = bcrypt.MinCost
	}
	if cost > bcrypt.MaxCost {
		cost = bcrypt.MaxCost
	}
	return &Hasher{Cost: cost}
}

func (h *Hasher) Algo() string { return AlgoBcrypt }

// Hash produces a bcrypt hash of password. bcrypt embeds its own salt and cost in the hash string.
func (h *Hasher) Hash(password []byte) (Digest, error) {
	b, err := bcrypt.GenerateFromPassword(password, h.Cost)
	if err != nil {
		return Digest{}, err
	}
	return Digest{Algo: AlgoBcrypt, Hash: string(b), Params: map[string]int{"cost": h.Cost}}, nil
}

// Verify reports whether password matches the bcrypt hash.
func (h *Hasher) Verify(d Digest, password []byte) bool {
	return bcrypt.CompareHashAndPassword([]byte(d.Hash), password) == nil
}

// Argon2idHasher hashes passwords with argon2id.
type Argon2idHasher struct {
	Time    uint32
	Memory  uint32 // KiB
	Threads uint8
	KeyLen  uint32
	SaltLen int
}

// NewArgon2idHasher returns an argon2id hasher with memory=64MB, iterations=3, parallelism=4.
func NewArgon2idHasher() *Argon2idHasher {
	return &Argon2idHasher{Time: 3, Memory: 64 * 1024, Threads: 4, KeyLen: 32, SaltLen: 16}
}

func (h *Argon2idHasher) Algo() string { return AlgoArgon2id }

func (h *Argon2idHasher) Hash(password []byte) (Digest, error) {
	salt, err := randomSalt(h.SaltLen)
	if err != nil {
		return Digest{}, err
	}
	key := argon2.IDKey(password, salt, h.Time, h.Memory, h.Threads, h.KeyLen)
	return Digest{
		Algo: AlgoArgon2id,
		Hash: base64.RawStdEncoding.EncodeToString(key),
		Salt: base64.RawStdEncoding.EncodeToString(salt),
		Params: map[string]int{
			"t": int(h.Time),
			"m": int(h.Memory),
			"p": int(h.Threads),
		},
	}, nil
}

// Verify re-derives the key with the parameters recorded in d, not the hasher's current ones.
func (h *Argon2idHasher) Verify(d Digest, password []byte) bool {
	salt, want, ok := decodeSaltAndHash(d)
	if !ok {
		return false
	}
	t, m, p := d.Params["t"], d.Params["m"], d.Params["p"]
	if t <= 0 || m <= 0 || p <= 0 || p > 255 {
		return false
	}
	got := argon2.IDKey(password, salt, uint32(t), uint32(m), uint8(p), uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1
}

// PBKDF2Hasher hashes passwords with PBKDF2-HMAC-SHA256.
type PBKDF2Hasher struct {
	Iterations int
	KeyLen     int
	SaltLen    int
}

// NewPBKDF2Hasher returns a PBKDF2-SHA256 hasher with 30000 iterations and a 32-byte key.
func NewPBKDF2Hasher() *PBKDF2Hasher {
	return &PBKDF2Hasher{Iterations: 30000, KeyLen: 32, SaltLen: 16}
}

func (h *PBKDF2Hasher) Algo() string { return AlgoPBKDF2 }

func (h *PBKDF2Hasher) Hash(password []byte) (Digest, error) {
	salt, err := randomSalt(h.SaltLen)
	if err != nil {
		return Digest{}, err
	}
	key := pbkdf2.Key(password, salt, h.Iterations, h.KeyLen, sha256.New)
	return Digest{
		Algo:   AlgoPBKDF2,
		Hash:   base64.RawStdEncoding.EncodeToString(key),
		Salt:   base64.RawStdEncoding.EncodeToString(salt),
		Params: map[string]int{"iter": h.Iterations},
	}, nil
}

func (h *PBKDF2Hasher) Verify(d Digest, password []byte) bool {
	salt, want, ok := decodeSaltAndHash(d)
	if !ok {
		return false
	}
	iter := d.Params["iter"]
	if iter <= 0 {
		return false
	}
	got := pbkdf2.Key(password, salt, iter, len(want), sha256.New)
	return subtle.ConstantTimeCompare(got, want) == 1
}

// LegacySHA256Hasher verifies hex(sha256(salt || password)) credentials. It refuses to create new ones.
type LegacySHA256Hasher struct{}

func (LegacySHA256Hasher) Algo() string { return AlgoSHA256 }

func (LegacySHA256Hasher) Hash([]byte) (Digest, error) {
	return Digest{}, ErrVerifyOnly
}

func (LegacySHA256Hasher) Verify(d Digest, password []byte) bool {
	sum := sha256.Sum256(append([]byte(d.Salt), password...))
	return subtle.ConstantTimeCompare([]byte(hex.EncodeToString(sum[:])), []byte(d.Hash)) == 1
}

// Hashers dispatches verification by a digest's algorithm tag and hashes new passwords with the primary algorithm.
type Hashers struct {
	primary PasswordHasher
	byAlgo  map[string]PasswordHasher
}

// NewHashers registers every supported algorithm and selects primary for new credentials.
func NewHashers(primary string, bcryptCost int) (*Hashers, error) {
	h := &Hashers{byAlgo: make(map[string]PasswordHasher)}
	for _, ph := range []PasswordHasher{
		NewHasher(bcryptCost),
		NewArgon2idHasher(),
		NewPBKDF2Hasher(),
		LegacySHA256Hasher{},
	} {
		h.byAlgo[ph.Algo()] = ph
	}
	p, ok := h.byAlgo[primary]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, primary)
	}
	if primary == AlgoSHA256 {
		return nil, fmt.Errorf("%w: %q", ErrVerifyOnly, primary)
	}
	h.primary = p
	return h, nil
}

// Primary returns the algorithm tag new credentials are created with.
func (h *Hashers) Primary() string { return h.primary.Algo() }

// Hash hashes password with the primary algorithm.
func (h *Hashers) Hash(password []byte) (Digest, error) {
	return h.primary.Hash(password)
}

// Verify checks password against d using d's own algorithm. Unknown algorithms never match.
func (h *Hashers) Verify(d Digest, password []byte) bool {
	ph, ok := h.byAlgo[d.Algo]
	if !ok {
		return false
	}
	return ph.Verify(d, password)
}

// NeedsRehash reports whether d was produced by an algorithm other than the primary one.
func (h *Hashers) NeedsRehash(d Digest) bool {
	return d.Algo != h.primary.Algo()
}

func randomSalt(n int) ([]byte, error) {
	salt := make([]byte, n)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}
	return salt, nil
}

func decodeSaltAndHash(d Digest) (salt, hash []byte, ok bool) {
	salt, err := base64.RawStdEncoding.DecodeString(d.Salt)
	if err != nil || len(salt) == 0 {
		return nil, nil, false
	}
	hash, err = base64.RawStdEncoding.DecodeString(d.Hash)
	if err != nil || len(hash) == 0 {
		return nil, nil, false
	}
	return salt, hash, true
}
