package messaging

import (
	"context"
)

// Broker defines the interface for message brokers
type Broker interface {
	Publisher
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	Close() error
}

// Publisher defines the interface for publishing messages
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) error
}

// IssuePublished is broadcast after a publish transaction commits. It is a
// hint only: receivers must not rely on seeing every message.
type IssuePublished struct {
	IssueID    string `json:"issue_id"`
	Recipients int    `json:"recipients"`
}
