package session

import "errors"

var (
	ErrSessionExists   = errors.New("session already exists for connection")
	ErrSessionNotFound = errors.New("session not found")
	ErrEmptyConnection = errors.New("connection id cannot be empty")
)
