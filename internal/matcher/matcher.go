package matcher

import (
	"regexp"

	"github.com/mailgram-io/mailgram/internal/models"
)

// addressPattern is deliberately permissive: real From headers carry
// display names, comments, and occasionally broken quoting, so the
// first address-shaped substring is taken rather than a strict RFC
// 5322 parse.
var addressPattern = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)

// ExtractAddress returns the first email-address substring of a sender
// header, or "" when none is present.
func ExtractAddress(sender string) string {
	return addressPattern.FindString(sender)
}

// Match compares the message's sender address against each filter in
// creation order and returns the first exact, case-sensitive match.
// A message whose sender yields no address can never match.
func Match(msg *models.DecodedMessage, filters []models.Filter) *models.Filter {
	if msg == nil {
		return nil
	}
	address := ExtractAddress(msg.Sender)
	if address == "" {
		return nil
	}
	for i := range filters {
		if filters[i].Value == address {
			return &filters[i]
		}
	}
	return nil
}
