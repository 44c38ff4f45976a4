package validation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateUsername(t *testing.T) {
	tests := []struct {
		name     string
		username string
		wantErr  bool
	}{
		{"valid username", "user123", false},
		{"single letter", "A", false},
		{"visitor name", "Visitor_1a2b3c4d", false},
		{"with dot and dash", "first.last-2", false},
		{"empty", "", true},
		{"whitespace only", "   ", true},
		{"space inside", "two words", true},
		{"too long", strings.Repeat("a", 51), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateUsername(tt.username)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateUsername() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateChannelName(t *testing.T) {
	tests := []struct {
		name    string
		channel string
		wantErr bool
	}{
		{"general", "general", false},
		{"hash prefix", "#random", false},
		{"unicode letters", "café", false},
		{"empty", "", true},
		{"colon", "a:b", true},
		{"space", "two words", true},
		{"too long", strings.Repeat("c", 65), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateChannelName(tt.channel)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateChannelName() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidatePassword(t *testing.T) {
	assert.NoError(t, ValidatePassword("x"))
	assert.Error(t, ValidatePassword(""))
	assert.Error(t, ValidatePassword(strings.Repeat("p", 129)))
}

func TestStruct_ReportsJSONFieldName(t *testing.T) {
	type announce struct {
		Username string `json:"username" validate:"required,username"`
		Port     int    `json:"port" validate:"min=1,max=65535"`
	}

	err := Struct(announce{Username: "alice", Port: 0})
	require.Error(t, err)
	assert.Equal(t, "port must be at least 1", err.Error())

	err = Struct(announce{Port: 6000})
	require.Error(t, err)
	assert.Equal(t, "username is required", err.Error())

	assert.NoError(t, Struct(announce{Username: "alice", Port: 6000}))
}
