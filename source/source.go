// Package source defines the read-only mailbox capability the sync engine
// consumes.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/dhcgn/imap-archive/model"
)

// ErrMessageGone is returned when a UID no longer exists in its folder.
var ErrMessageGone = errors.New("message no longer exists")

// AuthError indicates that the source rejected the supplied credentials.
// It is never retried.
type AuthError struct {
	Source  string
	Message string
	Err     error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth error (%s): %s", e.Source, e.Message)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// IsAuthError reports whether err (or any error in its chain) is an AuthError.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// MessageError is a failure confined to one message, such as the server
// refusing to return its body. It fails that message without retries.
type MessageError struct {
	UID uint32
	Err error
}

func (e *MessageError) Error() string {
	return fmt.Sprintf("message %d: %v", e.UID, e.Err)
}

func (e *MessageError) Unwrap() error {
	return e.Err
}

func IsMessageError(err error) bool {
	var msgErr *MessageError
	return errors.As(err, &msgErr)
}

// FolderStatus is the state of a folder at selection time.
type FolderStatus struct {
	UIDValidity uint32
	UIDNext     uint32
	Messages    uint32
}

// DateRange restricts listings by internal date. Zero bounds are open.
type DateRange struct {
	Since  time.Time
	Before time.Time
}

// Contains reports whether t falls inside the range.
func (d DateRange) Contains(t time.Time) bool {
	if !d.Since.IsZero() && t.Before(d.Since) {
		return false
	}
	if !d.Before.IsZero() && !t.Before(d.Before) {
		return false
	}
	return true
}

// Source is a mailbox the engine reads from. Implementations are used by a
// single goroutine at a time.
type Source interface {
	Connect(ctx context.Context) error
	ListFolders(ctx context.Context) ([]string, error)
	SelectFolder(ctx context.Context, folder string) (FolderStatus, error)

	// UIDsSince returns the UIDs strictly greater than since, ascending.
	UIDsSince(ctx context.Context, folder string, since uint32, dates DateRange) ([]uint32, error)
	FetchSummaries(ctx context.Context, folder string, uids []uint32) ([]model.Summary, error)

	// OpenMessage streams the raw RFC 5322 bytes of a message. The caller
	// must close the returned reader before issuing another call.
	OpenMessage(ctx context.Context, folder string, uid uint32) (io.ReadCloser, error)
	Close() error
}

// Factory creates an independent, unconnected Source.
type Factory func() Source
