package engine

import "errors"

// ErrInvalidDelay is returned when a scheduled send is created with a
// zero or negative delay.
var ErrInvalidDelay = errors.New("delay must be positive")

// ErrEmptyKeywords is returned when an auto-responder rule is created
// or updated without any usable keyword.
var ErrEmptyKeywords = errors.New("keywords must not be empty")
