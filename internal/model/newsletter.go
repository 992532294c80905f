package model

import (
	"time"

	"github.com/google/uuid"
)

// IssueContent is what an author submits for publication.
type IssueContent struct {
	Title       string `json:"title" validate:"required"`
	TextContent string `json:"text_content" validate:"required"`
	HTMLContent string `json:"html_content" validate:"required"`
}

// NewsletterIssue is immutable once written.
type NewsletterIssue struct {
	ID          uuid.UUID `json:"id" db:"newsletter_issue_id"`
	OwnerID     uuid.UUID `json:"owner_id" db:"owner_id"`
	Title       string    `json:"title" db:"title"`
	TextContent string    `json:"text_content" db:"text_content"`
	HTMLContent string    `json:"html_content" db:"html_content"`
	PublishedAt time.Time `json:"published_at" db:"published_at"`
}

func NewNewsletterIssue(ownerID uuid.UUID, content IssueContent, now time.Time) *NewsletterIssue {
	return &NewsletterIssue{
		ID:          uuid.New(),
		OwnerID:     ownerID,
		Title:       content.Title,
		TextContent: content.TextContent,
		HTMLContent: content.HTMLContent,
		PublishedAt: now.UTC(),
	}
}

// DeliveryTask is one pending email for one subscriber of one issue.
// (IssueID, SubscriberEmail) is unique.
type DeliveryTask struct {
	IssueID         uuid.UUID  `db:"newsletter_issue_id"`
	SubscriberEmail string     `db:"subscriber_email"`
	NRetries        int        `db:"n_retries"`
	ExecuteAfter    *time.Time `db:"execute_after"`
}

// PublishAccepted is the body of the response saved for a publish request.
type PublishAccepted struct {
	IssueID    uuid.UUID `json:"issue_id"`
	Recipients int       `json:"recipients"`
	Message    string    `json:"message"`
}
