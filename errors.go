package listsync

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrStaleResponse is returned when a fetch completed after its key was
	// invalidated, reloaded or re-parameterized. The response was not applied.
	ErrStaleResponse   = errors.New("listsync: stale response dropped")
	ErrNotLoaded       = errors.New("listsync: view not loaded")
	ErrNoMore          = errors.New("listsync: group has no more pages")
	ErrUnknownGroup    = errors.New("listsync: unknown group")
	ErrUnknownMutation = errors.New("listsync: unknown mutation")
	ErrNotRetryable    = errors.New("listsync: mutation was not rolled back")
	ErrNoItemFetcher   = errors.New("listsync: fetcher cannot load single items")
	ErrClosed          = errors.New("listsync: engine closed")
)

// FetchError is a transport failure during load, load_more or load_item.
type FetchError struct {
	Key      string
	Op       string
	GroupKey string // set for load_more
	Err      error
}

func (e *FetchError) Error() string {
	if e.GroupKey != "" {
		return fmt.Sprintf("%s %q group %q: %v", e.Op, e.Key, e.GroupKey, e.Err)
	}
	return fmt.Sprintf("%s %q: %v", e.Op, e.Key, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// MutationError reports a rejected mutation after its optimistic effect was
// rolled back. Action and Targets are what Retry re-dispatches.
type MutationError struct {
	ID       string
	Action   string
	Targets  []Target
	AppError string // application-level error carried by a successful transport response
	Err      error  // transport error
}

func (e *MutationError) Error() string {
	switch {
	case e.Err != nil && e.AppError != "":
		return fmt.Sprintf("mutation %s (%s) rolled back: %v; server: %s", e.ID, e.Action, e.Err, e.AppError)
	case e.Err != nil:
		return fmt.Sprintf("mutation %s (%s) rolled back: %v", e.ID, e.Action, e.Err)
	case e.AppError != "":
		return fmt.Sprintf("mutation %s (%s) rolled back: server: %s", e.ID, e.Action, e.AppError)
	default:
		return fmt.Sprintf("mutation %s (%s) rolled back", e.ID, e.Action)
	}
}

func (e *MutationError) Unwrap() error { return e.Err }

// ConflictError is returned by Store.Write when the key still carries
// optimistic patches. The Coordinator resolves it by rebasing.
type ConflictError struct {
	Key     string
	Pending []string // mutation ids holding the key
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("write %q conflicts with pending mutations [%s]", e.Key, strings.Join(e.Pending, ","))
}

// StreamError wraps a push channel failure.
type StreamError struct {
	Err error
}

func (e *StreamError) Error() string {
	if e.Err == nil {
		return "push stream disconnected"
	}
	return fmt.Sprintf("push stream: %v", e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }
