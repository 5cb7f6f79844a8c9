// Package unread holds the app-wide observable count of conversations
// with unread messages.
//
// The count is derived, never stored: Refresh refetches the conversation
// list and recomputes count(unreadCount > 0). Any number of UI surfaces
// (badge, bell) subscribe without the aggregator knowing them; each
// publish updates the synchronous Current() value before any observer is
// woken, so readers never see a torn value. Refreshes are driven by
// navigation, login/logout, and successful mark-reads — never by polling.
package unread
