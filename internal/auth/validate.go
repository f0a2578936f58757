package auth

import (
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
)

var validate = validator.New()

// Credentials is the body of the register and login endpoints.
type Credentials struct {
	Username string `json:"username" validate:"required,max=64"`
	Password string `json:"password" validate:"required,min=6,max=72"`
}

// Normalize trims the username; passwords are taken verbatim.
func (c Credentials) Normalize() Credentials {
	c.Username = strings.TrimSpace(c.Username)
	return c
}

// ValidateRegistration applies the account rules and returns an error whose
// message can be shown to the client.
func ValidateRegistration(c Credentials) error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err
	}
	fe := verrs[0]
	switch {
	case fe.Tag() == "required":
		return errors.New("username and password cannot be empty")
	case fe.Field() == "Password" && fe.Tag() == "min":
		return errors.New("password must be at least 6 characters")
	case fe.Field() == "Password" && fe.Tag() == "max":
		return errors.New("password must be at most 72 characters")
	default:
		return errors.New("username must be at most 64 characters")
	}
}
