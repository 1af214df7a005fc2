package validator

import (
	"regexp"
	"slices"
	"strings"
	"unicode/utf8"
)

// DeviceIDRX allows the characters that are safe inside a topic level.
var DeviceIDRX = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Validator collects form errors. Embed it in a form struct.
type Validator struct {
	NonFieldErrors []string
	FieldErrors    map[string]string
}

// Valid returns true if there are no errors.
func (v *Validator) Valid() bool {
	return len(v.FieldErrors) == 0 && len(v.NonFieldErrors) == 0
}

// AddFieldError keeps the first error reported for a field.
func (v *Validator) AddFieldError(key, message string) {
	if v.FieldErrors == nil {
		v.FieldErrors = make(map[string]string)
	}
	if _, exists := v.FieldErrors[key]; !exists {
		v.FieldErrors[key] = message
	}
}

func (v *Validator) AddNonFieldError(message string) {
	v.NonFieldErrors = append(v.NonFieldErrors, message)
}

// CheckField adds message for key if ok is false.
func (v *Validator) CheckField(ok bool, key, message string) {
	if !ok {
		v.AddFieldError(key, message)
	}
}

func NotBlank(value string) bool {
	return strings.TrimSpace(value) != ""
}

func MaxChars(value string, n int) bool {
	return utf8.RuneCountInString(value) <= n
}

func MinChars(value string, n int) bool {
	return utf8.RuneCountInString(value) >= n
}

func Between(value, min, max int) bool {
	return value >= min && value <= max
}

func PermittedValue[T comparable](value T, permittedValues ...T) bool {
	return slices.Contains(permittedValues, value)
}

func Matches(value string, rx *regexp.Regexp) bool {
	return rx.MatchString(value)
}

// Blank or at least n characters, as WPA passphrases are.
func EmptyOrMinChars(value string, n int) bool {
	return value == "" || MinChars(value, n)
}
