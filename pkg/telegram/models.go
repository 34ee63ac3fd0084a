// Package telegram is the chat transport for the operator console:
// a Bot API client for replies and a webhook handler for inbound
// updates.
package telegram

// Update is the subset of a Bot API update the console consumes.
type Update struct {
	UpdateID int64    `json:"update_id"`
	Message  *Message `json:"message"`
}

// Message is the subset of a chat message the console consumes.
type Message struct {
	MessageID int64  `json:"message_id"`
	From      *User  `json:"from"`
	Chat      Chat   `json:"chat"`
	Text      string `json:"text"`
}

// User identifies the sender of a message.
type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

// Chat identifies where a message was sent.
type Chat struct {
	ID int64 `json:"id"`
}
