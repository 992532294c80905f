package model

import (
	"strings"

	"github.com/jwalitptl/newsletter-api/pkg/validator"
)

const SubscriptionStatusConfirmed = "confirmed"

// SubscriberEmail is an address that passed validation.
type SubscriberEmail string

func ParseSubscriberEmail(raw string) (SubscriberEmail, error) {
	s := strings.TrimSpace(raw)
	if err := validator.Default().ValidateField("subscriber_email", s, "required", "email"); err != nil {
		return "", err
	}
	return SubscriberEmail(s), nil
}

func (e SubscriberEmail) String() string {
	return string(e)
}
