package dispatch

import (
	"context"
	"log/slog"
)

// MockProvider is a mock provider for local development.
type MockProvider struct {
	logger *slog.Logger
}

// NewMockProvider creates a new mock provider.
func NewMockProvider(logger *slog.Logger) *MockProvider {
	return &MockProvider{
		logger: logger,
	}
}

// Send logs the message instead of delivering it.
func (m *MockProvider) Send(ctx context.Context, channelID, text string) error {
	m.logger.Info("MOCK ALERT",
		"channel", channelID,
		"text", text)
	return nil
}
