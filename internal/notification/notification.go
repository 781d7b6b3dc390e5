// Package notification provides cross-platform desktop notifications.
// It uses the beeep library to send notifications on macOS, Linux, and Windows.
package notification

import (
	"github.com/gen2brain/beeep"

	"github.com/zhubert/shepherd/internal/logger"
)

// notifier delivers notifications. Swappable so tests don't raise real
// desktop notifications.
var notifier func(title, message string, icon any) error = beeep.Notify

// SetNotifier replaces the notification delivery function.
func SetNotifier(fn func(title, message string, icon any) error) {
	notifier = fn
}

// ResetNotifier restores the default beeep-backed delivery function.
func ResetNotifier() {
	notifier = beeep.Notify
}

// Send sends a desktop notification with the given title and message.
// On macOS, it uses terminal-notifier or AppleScript.
// On Linux, it uses D-Bus or notify-send.
// On Windows, it uses the Windows Runtime COM API.
func Send(title, message string) error {
	logger.Debug("Notification: sending - title=%q, message=%q", title, message)
	// Use empty string for icon - beeep handles platform defaults
	err := notifier(title, message, "")
	if err != nil {
		logger.Warn("Notification: failed to send: %v", err)
	}
	return err
}

// EscalationRaised sends a notification that a session is waiting on the
// operator.
func EscalationRaised(label, prompt string) error {
	return Send("Shepherd: "+label+" needs attention", prompt)
}

// TaskCompleted sends a notification that a supervised task has finished.
func TaskCompleted(label string) error {
	return Send("Shepherd", label+" completed")
}
