package scan

import (
	"errors"
	"strings"

	"github.com/zombor/nutriscan/internal/scanning"
)

// User-facing failure messages
const (
	MessageInvalidImage     = "Invalid image - please try taking the photo again"
	MessageTimeout          = "Scan took too long - please try again with better lighting"
	MessageAuth             = "API configuration error - please contact support"
	MessageQuota            = "Scan limit reached - please try again later"
	MessageNoText           = "Could not read label - try better lighting and hold steady"
	MessageModelUnavailable = "Nutrition analysis is unavailable right now - please try again later"
	MessageUnreadable       = "Could not understand the label - please try again"
	MessageNetwork          = "Network error - check your internet connection"
)

// userMessage maps a pipeline error to the text shown to the user
func userMessage(err error) string {
	switch scanning.CodeOf(err) {
	case scanning.CodeInvalidImage:
		return MessageInvalidImage
	case scanning.CodeTimeout:
		return MessageTimeout
	case scanning.CodeAuth:
		return MessageAuth
	case scanning.CodeQuotaExceeded:
		return MessageQuota
	case scanning.CodeNoTextDetected:
		return MessageNoText
	case scanning.CodeModelUnavailable:
		return MessageModelUnavailable
	case scanning.CodeEmptyResponse, scanning.CodeInvalidJSON:
		return MessageUnreadable
	}

	cause := rootCause(err)
	lower := strings.ToLower(cause)
	if strings.Contains(lower, "network") || strings.Contains(lower, "connection") || strings.Contains(lower, "no such host") {
		return MessageNetwork
	}
	if cause == "" {
		cause = "Unknown error"
	}
	return "Scan failed: " + cause
}

// rootCause returns the innermost error message, skipping the stage prefix
func rootCause(err error) string {
	if err == nil {
		return ""
	}
	var e *scanning.Error
	if errors.As(err, &e) && e.Err != nil {
		return e.Err.Error()
	}
	return err.Error()
}
