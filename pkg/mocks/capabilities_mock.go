package mocks

import (
	"context"

	"github.com/dukex/chatflow/pkg/models"
	"github.com/stretchr/testify/mock"
)

// MockMessenger is a mock implementation of protocol.Messenger interface.
type MockMessenger struct {
	mock.Mock
}

func (m *MockMessenger) SendMessage(ctx context.Context, message models.OutboundMessage) error {
	args := m.Called(ctx, message)

	return args.Error(0)
}

func (m *MockMessenger) SendTemplate(ctx context.Context, message models.OutboundMessage) error {
	args := m.Called(ctx, message)

	return args.Error(0)
}

// MockHTTPCaller is a mock implementation of protocol.HTTPCaller interface.
type MockHTTPCaller struct {
	mock.Mock
}

func (m *MockHTTPCaller) Call(ctx context.Context, request models.HTTPRequest) (*models.HTTPResponse, error) {
	args := m.Called(ctx, request)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.HTTPResponse), args.Error(1)
}

// MockConversationMutator is a mock implementation of protocol.ConversationMutator interface.
type MockConversationMutator struct {
	mock.Mock
}

func (m *MockConversationMutator) MutateConversation(
	ctx context.Context,
	tenantID, conversationID string,
	patch models.ConversationPatch,
) error {
	args := m.Called(ctx, tenantID, conversationID, patch)

	return args.Error(0)
}

// MockContactMutator is a mock implementation of protocol.ContactMutator interface.
type MockContactMutator struct {
	mock.Mock
}

func (m *MockContactMutator) MutateContactTags(
	ctx context.Context,
	tenantID, contactID string,
	mutation models.TagMutation,
) error {
	args := m.Called(ctx, tenantID, contactID, mutation)

	return args.Error(0)
}
