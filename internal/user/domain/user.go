package domain

import (
	"errors"
	"strings"
	"time"

	"github.com/nyaruka/phonenumbers"
)

// User is the core user entity. Username is immutable after creation; email is mutable.
type User struct {
	ID            string     `json:"id"`
	Username      string     `json:"username"`
	Email         string     `json:"email"`
	FullName      string     `json:"full_name"`
	Mobile        string     `json:"mobile,omitempty"`
	EmailVerified bool       `json:"email_verified"`
	Status        UserStatus `json:"status"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

type UserStatus string

const (
	UserStatusActive   UserStatus = "active"
	UserStatusDisabled UserStatus = "disabled"
)

// Validate validates the user for persistence. Returns an error describing the first validation failure.
func (u *User) Validate() error {
	if u.Username == "" {
		return errors.New("username is required")
	}
	if u.Email == "" {
		return errors.New("email is required")
	}
	if u.Status == "" {
		u.Status = UserStatusActive
	}
	return nil
}

// NormalizeEmail trims and lowercases an email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// NormalizeUsername trims and lowercases a username.
func NormalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

// NormalizeMobile formats a mobile number as E.164 when it parses as an international number.
// Numbers without a country code are kept as given, trimmed.
func NormalizeMobile(mobile string) string {
	mobile = strings.TrimSpace(mobile)
	if mobile == "" {
		return ""
	}
	num, err := phonenumbers.Parse(mobile, "")
	if err != nil || !phonenumbers.IsPossibleNumber(num) {
		return mobile
	}
	return phonenumbers.Format(num, phonenumbers.E164)
}
