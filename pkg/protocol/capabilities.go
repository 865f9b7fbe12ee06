package protocol

import (
	"context"

	"github.com/dukex/chatflow/pkg/models"
)

// Messenger delivers outbound messages on the conversation's channel.
type Messenger interface {
	SendMessage(ctx context.Context, message models.OutboundMessage) error
	SendTemplate(ctx context.Context, message models.OutboundMessage) error
}

// HTTPCaller performs outbound HTTP requests. The request timeout bounds the call.
type HTTPCaller interface {
	Call(ctx context.Context, request models.HTTPRequest) (*models.HTTPResponse, error)
}

// ConversationMutator changes conversation state such as the assigned agent.
type ConversationMutator interface {
	MutateConversation(ctx context.Context, tenantID, conversationID string, patch models.ConversationPatch) error
}

// ContactMutator changes contact tags.
type ContactMutator interface {
	MutateContactTags(ctx context.Context, tenantID, contactID string, mutation models.TagMutation) error
}

// TransientError is implemented by capability errors that may succeed on retry.
type TransientError interface {
	error
	Transient() bool
}
