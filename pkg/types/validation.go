package types

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
)

// MaxTextLength is the upper bound on message text, in code points.
const MaxTextLength = 2000

// FUNCTIONAL DISCOVERY: The room key separator ":" is outside this alphabet,
// so a key can never be produced by two different id pairs.
var idRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("relayid", func(fl validator.FieldLevel) bool {
		return IsValidID(fl.Field().String())
	})
	return v
}

// IsValidID checks that a business or participant id is from the restricted alphabet.
func IsValidID(id string) bool {
	return idRegex.MatchString(id)
}

// Validate checks the join payload shape. Business existence is checked by the relay.
func (r *JoinRequest) Validate() error {
	return structError(validate.Struct(r))
}

// Validate checks the message payload and normalises its text in place.
func (r *MessageRequest) Validate() error {
	if err := structError(validate.Struct(r)); err != nil {
		return err
	}
	text, err := NormalizeText(r.Text)
	if err != nil {
		return err
	}
	r.Text = text
	return nil
}

// NormalizeText trims surrounding whitespace and enforces 1..MaxTextLength code points.
func NormalizeText(text string) (string, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return "", ErrEmptyText
	}
	if !utf8.ValidString(trimmed) {
		return "", NewError(CodeValidation, fmt.Errorf("text is not valid UTF-8"))
	}
	if utf8.RuneCountInString(trimmed) > MaxTextLength {
		return "", ErrTextTooLong
	}
	return trimmed, nil
}

// structError flattens validator output into a single validation error.
func structError(err error) error {
	if err == nil {
		return nil
	}
	validationErrs, ok := err.(validator.ValidationErrors)
	if !ok || len(validationErrs) == 0 {
		return NewError(CodeValidation, err)
	}
	first := validationErrs[0]
	if first.Tag() == "relayid" {
		return NewError(CodeValidation, fmt.Errorf("%s: %w", lowerFirst(first.Field()), ErrInvalidID.Err))
	}
	return NewError(CodeValidation, fmt.Errorf("%s failed %q check", lowerFirst(first.Field()), first.Tag()))
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}
