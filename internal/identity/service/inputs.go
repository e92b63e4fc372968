package service

import (
	"errors"
	"unicode"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"

	userdomain "identity-session-core/internal/user/domain"
)

// RegisterInput is the request to create a user.
type RegisterInput struct {
	Email    string
	Username string
	Password string
	FullName string
	Mobile   string
}

// Validate checks the fields a registration needs before anything is hashed or appended. Email and
// username are checked in the normalized form Register submits.
func (in RegisterInput) Validate() error {
	in.Email = userdomain.NormalizeEmail(in.Email)
	in.Username = userdomain.NormalizeUsername(in.Username)
	return validation.ValidateStruct(&in,
		validation.Field(&in.Email, validation.Required, is.Email),
		validation.Field(&in.Username, validation.Required, validation.Length(3, 64), is.PrintableASCII),
		validation.Field(&in.Password, validation.Required, validation.By(passwordRule)),
		validation.Field(&in.FullName, validation.Length(0, 200)),
		validation.Field(&in.Mobile, validation.Length(0, 32)),
	)
}

// LoginInput is the request to open a session.
type LoginInput struct {
	Username  string
	Password  string
	IPAddress string
	Device    string
}

// UpdateProfileInput changes profile fields of UserID. Nil fields are left untouched.
type UpdateProfileInput struct {
	UserID   string
	FullName *string
	Email    *string
	Mobile   *string
}

func (in UpdateProfileInput) Validate() error {
	if in.Email != nil {
		email := userdomain.NormalizeEmail(*in.Email)
		in.Email = &email
	}
	return validation.ValidateStruct(&in,
		validation.Field(&in.UserID, validation.Required),
		validation.Field(&in.Email, validation.NilOrNotEmpty, is.Email),
		validation.Field(&in.FullName, validation.Length(0, 200)),
		validation.Field(&in.Mobile, validation.Length(0, 32)),
	)
}

func validatePassword(password string) error {
	return validation.Validate(password, validation.Required, validation.By(passwordRule))
}

// passwordRule requires 12 or more characters with an upper and lower case letter, a digit and a symbol.
func passwordRule(value interface{}) error {
	password, _ := value.(string)
	if len(password) < 12 {
		return errors.New("must be at least 12 characters")
	}
	var hasUpper, hasLower, hasNumber, hasSymbol bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasNumber = true
		default:
			hasSymbol = true
		}
	}
	if !hasUpper {
		return errors.New("must contain at least one uppercase letter")
	}
	if !hasLower {
		return errors.New("must contain at least one lowercase letter")
	}
	if !hasNumber {
		return errors.New("must contain at least one number")
	}
	if !hasSymbol {
		return errors.New("must contain at least one symbol")
	}
	return nil
}
