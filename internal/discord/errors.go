package discord

import (
	"errors"
	"fmt"
)

// ErrInvalidLink marks a message reference that can't be resolved into a
// channel/message pair.
var ErrInvalidLink = errors.New("invalid discord message link")

// FetchError is a non-200 response from the Discord REST API.
type FetchError struct {
	Status int
	Body   string
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("discord api returned %d: %s", e.Status, e.Body)
}

// CountError reports an attachment set that doesn't match the expected shape.
// The counts are a posting convention of the upstream bot, so the messages
// stay operator-facing and explicit.
type CountError struct {
	Msg string
}

func (e *CountError) Error() string { return e.Msg }

func countErrorf(format string, args ...any) *CountError {
	return &CountError{Msg: fmt.Sprintf(format, args...)}
}
