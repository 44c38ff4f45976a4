package validation

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

var (
	// UsernameRegex validates username format
	UsernameRegex = regexp.MustCompile(`^[a-zA-Z0-9_.\-]+$`)

	// ChannelRegex validates channel name format
	ChannelRegex = regexp.MustCompile(`^[\p{L}\p{N}_.#\-]+$`)
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("username", func(fl validator.FieldLevel) bool {
		return UsernameRegex.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("channel", func(fl validator.FieldLevel) bool {
		return ChannelRegex.MatchString(fl.Field().String())
	})
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "" || name == "-" {
			return field.Name
		}
		return name
	})
	return v
}

// Struct validates v against its `validate` tags and reports the first
// failing field in a readable form.
func Struct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		return describe(fieldErrs[0])
	}
	return err
}

func describe(fe validator.FieldError) error {
	field := fe.Field()
	switch fe.Tag() {
	case "required":
		return fmt.Errorf("%s is required", field)
	case "min":
		return fmt.Errorf("%s must be at least %s", field, fe.Param())
	case "max":
		return fmt.Errorf("%s is too long (max %s)", field, fe.Param())
	case "username":
		return fmt.Errorf("%s contains invalid characters (only letters, numbers, _, ., - allowed)", field)
	case "channel":
		return fmt.Errorf("%s is not a valid channel name", field)
	default:
		return fmt.Errorf("%s failed %s validation", field, fe.Tag())
	}
}

type usernameField struct {
	Username string `json:"username" validate:"required,max=50,username"`
}

type passwordField struct {
	Password string `json:"password" validate:"required,max=128"`
}

type channelField struct {
	Channel string `json:"channel" validate:"required,max=64,channel"`
}

// ValidateUsername validates username
func ValidateUsername(username string) error {
	return Struct(usernameField{Username: strings.TrimSpace(username)})
}

// ValidatePassword validates password
func ValidatePassword(password string) error {
	return Struct(passwordField{Password: password})
}

// ValidateChannelName validates channel name
func ValidateChannelName(name string) error {
	return Struct(channelField{Channel: strings.TrimSpace(name)})
}
