package config

import "errors"

// Errors returned by configuration operations.
var (
	// ErrFileNotFound indicates the definitions file doesn't exist.
	ErrFileNotFound = errors.New("config file not found")

	// ErrInvalidDefinition indicates a malformed or inconsistent setting.
	ErrInvalidDefinition = errors.New("invalid sandbox definition")
)
