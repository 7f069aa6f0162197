// Package notifications delivers pipeline milestones via ntfy.
//
// NewService publishes to the configured topic and degrades to a no-op when
// none is set. Each event family can be switched off in the
// [notifications] config section.
package notifications
