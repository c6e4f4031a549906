// Package chat orchestrates conversations: channels and their messages, the
// streaming chat handler feeding the agent chain, previews, and feedback
// forwarded to the trace sink.
package chat

import "errors"

var (
	ErrChannelNotFound = errors.New("channel not found")
	ErrMessageNotFound = errors.New("message not found")

	// ErrAgentRequired reports a chat request against a channel with no
	// agent bound.
	ErrAgentRequired = errors.New("channel has no agent")

	// ErrInvalidScore reports a feedback score outside {-1, 0, 1}.
	ErrInvalidScore = errors.New("score must be -1, 0 or 1")
)
