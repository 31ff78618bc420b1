package message

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jogman/gwfbot/internal/host"
)

// Messenger posts rendered messages on pull requests with at-most-once
// semantics per (code, params) tuple. The robot's existing comments are the
// source of truth; nothing is persisted locally.
type Messenger struct {
	client   host.Client
	renderer *Renderer
	logger   *slog.Logger
}

// NewMessenger builds a messenger posting as the given robot user.
func NewMessenger(client host.Client, robot, version string, logger *slog.Logger) *Messenger {
	return &Messenger{
		client:   client,
		renderer: &Renderer{Robot: robot, Version: version},
		logger:   logger,
	}
}

// Post renders and posts the spec on the pull request unless an identical
// message was already posted. Returns true when a comment was created.
func (m *Messenger) Post(ctx context.Context, prID int, s Spec, activeOptions []string) (bool, error) {
	body, err := m.renderer.Render(s, activeOptions)
	if err != nil {
		return false, err
	}

	if !s.Code.repeatable() {
		posted, err := m.alreadyPosted(ctx, prID, s.Key())
		if err != nil {
			return false, err
		}
		if posted {
			m.logger.Debug("message already posted",
				"pr", prID, "code", int(s.Code), "key", s.Key())
			return false, nil
		}
	}

	if _, err := m.client.CreateComment(ctx, prID, body); err != nil {
		return false, fmt.Errorf("post status %d on #%d: %w", s.Code, prID, err)
	}
	m.logger.Info("posted status message", "pr", prID, "code", int(s.Code))
	return true, nil
}

// Greeted reports whether the hello message was already posted on the pull
// request. The greeting is posted exactly once per pull request lifetime,
// regardless of its parameters.
func (m *Messenger) Greeted(ctx context.Context, prID int) (bool, error) {
	comments, err := m.client.ListComments(ctx, prID)
	if err != nil {
		return false, err
	}
	for _, cm := range comments {
		if cm.Author != m.renderer.Robot {
			continue
		}
		if code, ok := CodeOf(cm.Body); ok && code == CodeHello {
			return true, nil
		}
	}
	return false, nil
}

func (m *Messenger) alreadyPosted(ctx context.Context, prID int, key string) (bool, error) {
	comments, err := m.client.ListComments(ctx, prID)
	if err != nil {
		return false, err
	}
	for _, cm := range comments {
		if cm.Author != m.renderer.Robot {
			continue
		}
		if k, ok := KeyOf(cm.Body); ok && k == key {
			return true, nil
		}
	}
	return false, nil
}
