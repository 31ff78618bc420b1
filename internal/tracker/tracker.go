// Package tracker abstracts the issue tracker the robot validates pull
// requests against. A Jira implementation is provided; the Noop client is
// used when no tracker is configured and disables all tracker checks.
package tracker

import (
	"context"
	"errors"
)

// Issue is the tracker-independent view of an issue.
type Issue struct {
	Key         string
	Project     string
	Type        string // issue type name, lowercased ("bug", "story", ...)
	IsSubtask   bool
	FixVersions []string
}

// ErrNotFound is returned when the issue does not exist.
var ErrNotFound = errors.New("issue not found")

// Client looks up issues by key.
type Client interface {
	// GetIssue returns the issue or ErrNotFound.
	GetIssue(ctx context.Context, key string) (*Issue, error)

	// Enabled reports whether tracker checks apply at all.
	Enabled() bool
}

// Noop disables all tracker checks.
type Noop struct{}

func (Noop) GetIssue(context.Context, string) (*Issue, error) { return nil, ErrNotFound }
func (Noop) Enabled() bool                                    { return false }
