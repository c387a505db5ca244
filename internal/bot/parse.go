package bot

import (
	"fmt"
	"strings"

	"tender_bot/internal/model"
)

// Callback actions carried in inline button payloads.
const (
	actionRemove     = "rm"
	actionSuitable   = "suit"
	actionUnsuitable = "unsuit"
)

// maxCallbackData is Telegram's limit on inline button payloads.
const maxCallbackData = 64

// CallbackData builds an inline button payload.
func CallbackData(action, value string) string {
	return action + ":" + value
}

// ParseCallbackData splits a payload into its action and value.
func ParseCallbackData(data string) (action, value string, err error) {
	action, value, ok := strings.Cut(data, ":")
	if !ok || action == "" || value == "" {
		return "", "", fmt.Errorf("malformed callback data %q", data)
	}
	return action, value, nil
}

// VerdictFor maps a feedback action to its verdict.
func VerdictFor(action string) (model.Verdict, bool) {
	switch action {
	case actionSuitable:
		return model.VerdictSuitable, true
	case actionUnsuitable:
		return model.VerdictUnsuitable, true
	default:
		return "", false
	}
}

// ParseExpressionArg returns the expression given to /subscribe or
// /unsubscribe.
func ParseExpressionArg(args string) (string, error) {
	s := strings.TrimSpace(args)
	if s == "" {
		return "", fmt.Errorf("expression is required")
	}
	return s, nil
}
