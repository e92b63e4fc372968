// Package mfa generates one-time email codes and derives the salted hashes stored for them.
package mfa

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"math/big"

	"golang.org/x/crypto/pbkdf2"
)

const (
	otpDigits     = 6
	otpIterations = 30000
	otpKeyLen     = 32
	otpSaltLen    = 16
)

var otpSpace = big.NewInt(1_000_000)

// GenerateOTP returns a uniformly random 6-digit numeric OTP string (e.g. "012345").
func GenerateOTP() (string, error) {
	n, err := rand.Int(rand.Reader, otpSpace)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", otpDigits, n.Int64()), nil
}

// NewSalt returns a random base64-encoded salt for HashOTP.
func NewSalt() (string, error) {
	b := make([]byte, otpSaltLen)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawStdEncoding.EncodeToString(b), nil
}

// HashOTP derives the stored hash of otp with PBKDF2-HMAC-SHA256 over salt.
func HashOTP(otp, salt string) string {
	key := pbkdf2.Key([]byte(otp), []byte(salt), otpIterations, otpKeyLen, sha256.New)
	return base64.RawStdEncoding.EncodeToString(key)
}

// OTPEqual re-hashes the provided OTP with salt and compares it to storedHash in constant time.
func OTPEqual(providedOTP, salt, storedHash string) bool {
	providedHash := HashOTP(providedOTP, salt)
	return subtle.ConstantTimeCompare([]byte(providedHash), []byte(storedHash)) == 1
}
