package room

import "errors"

var (
	ErrInvalidKey      = errors.New("invalid room key")
	ErrEmptyConnection = errors.New("connection id cannot be empty")
)
