package domain

import "errors"

var (
	ErrChannelNotFound    = errors.New("channel not found")
	ErrChannelExists      = errors.New("channel already exists")
	ErrMessageNotFound    = errors.New("message not found")
	ErrUserExists         = errors.New("username already registered")
	ErrUserNotFound       = errors.New("user not found")
	ErrInvalidCredentials = errors.New("invalid credentials")
)
