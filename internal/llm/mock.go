package llm

import (
	"context"
	"strings"
)

// MockClient is a deterministic completion client for local use and tests.
type MockClient struct {
	Reply string
	Err   error
}

func NewMockClient() *MockClient { return &MockClient{} }

func (c *MockClient) Complete(_ context.Context, req Request) (string, error) {
	if c.Err != nil {
		return "", c.Err
	}
	if c.Reply != "" {
		return c.Reply, nil
	}
	last := ""
	if len(req.History) > 0 {
		last = req.History[len(req.History)-1].Text
	}
	return strings.TrimSpace("I hear you: " + last), nil
}
