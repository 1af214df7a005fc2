package validator

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidator(t *testing.T) {
	var v Validator
	assert.True(t, v.Valid())

	v.CheckField(NotBlank("  "), "ssid", "This field cannot be blank")
	v.CheckField(MaxChars("x", 1), "ssid", "second error is dropped")
	v.CheckField(false, "ssid", "also dropped")
	assert.False(t, v.Valid())
	assert.Equal(t, map[string]string{"ssid": "This field cannot be blank"}, v.FieldErrors)

	v = Validator{}
	v.AddNonFieldError("Password is incorrect")
	assert.False(t, v.Valid())
}

func TestRules(t *testing.T) {
	assert.True(t, MaxChars("ñandú", 5))
	assert.False(t, MaxChars("broker.example.com", 10))
	assert.True(t, MinChars("12345678", 8))
	assert.True(t, Between(1883, 1, 65535))
	assert.False(t, Between(0, 1, 65535))
	assert.True(t, PermittedValue("a", "a", "b"))
	assert.True(t, EmptyOrMinChars("", 8))
	assert.False(t, EmptyOrMinChars("short", 8))
	assert.True(t, Matches("farm-001_a", DeviceIDRX))
	assert.False(t, Matches("farm/001", DeviceIDRX))
	assert.False(t, Matches("farm+#", DeviceIDRX))
}
