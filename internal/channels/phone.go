package channels

import (
	"fmt"
	"log/slog"
	"regexp"

	"github.com/cartloop/notifier/internal/models"
)

// phoneNumberRegex matches everything that is not a digit.
var phoneNumberRegex = regexp.MustCompile(`[^0-9]`)

// MinPhoneNumberDigits is the minimum number of digits a canonicalized
// phone number must have.
const MinPhoneNumberDigits = 6

// canonicalizePhoneNumber strips non-numeric characters from a recipient
// phone number and validates the result.
func canonicalizePhoneNumber(recipient string) (string, error) {
	if recipient == "" {
		return "", models.ErrEmptyRecipient
	}
	canonical := phoneNumberRegex.ReplaceAllString(recipient, "")
	if canonical == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", recipient)
	}
	if len(canonical) < MinPhoneNumberDigits {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum %d digits required)", canonical, MinPhoneNumberDigits)
	}
	if canonical != recipient {
		slog.Debug("canonicalizePhoneNumber: recipient modified", "original", recipient, "canonical", canonical)
	}
	return canonical, nil
}
