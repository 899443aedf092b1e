package telegram

import (
	"errors"
	"strings"

	tele "gopkg.in/telebot.v4"

	"relayfleet/internal/platform"
)

// classify maps telebot errors onto platform kinds.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var flood tele.FloodError
	if errors.As(err, &flood) {
		return platform.RateLimited(op, flood.RetryAfter, err)
	}
	var floodPtr *tele.FloodError
	if errors.As(err, &floodPtr) && floodPtr != nil {
		return platform.RateLimited(op, floodPtr.RetryAfter, err)
	}

	switch {
	case errors.Is(err, tele.ErrUnauthorized):
		return platform.Unauthorized(op, err)
	case errors.Is(err, tele.ErrBlockedByUser),
		errors.Is(err, tele.ErrKickedFromGroup),
		errors.Is(err, tele.ErrNoRightsToSend),
		errors.Is(err, tele.ErrChatNotFound):
		return platform.PermissionDenied(op, err)
	}

	var te *tele.Error
	if errors.As(err, &te) {
		switch te.Code {
		case 401:
			return platform.Unauthorized(op, err)
		case 403:
			return platform.PermissionDenied(op, err)
		case 429:
			return platform.RateLimited(op, 0, err)
		}
	}

	// Unrecognized API errors arrive as "telegram: <desc> (<code>)".
	msg := err.Error()
	switch {
	case strings.Contains(msg, "(401)"):
		return platform.Unauthorized(op, err)
	case strings.Contains(msg, "(403)"),
		strings.Contains(msg, "not enough rights"),
		strings.Contains(msg, "CHAT_WRITE_FORBIDDEN"):
		return platform.PermissionDenied(op, err)
	case strings.Contains(msg, "(429)"):
		return platform.RateLimited(op, 0, err)
	}
	return platform.Transient(op, err)
}
