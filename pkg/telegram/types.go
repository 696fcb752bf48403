// Package telegram is the Telegram Bot API surface: webhook payload parsing,
// the outbound API client, and the HTTP server hosting the webhook.
package telegram

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/dotsetgreg/bolagent/pkg/dispatch"
)

// ErrNoMessage is returned for updates that carry nothing to process, such
// as channel posts or join notifications.
var ErrNoMessage = errors.New("update carries no processable message")

// Update is one Bot API webhook payload.
type Update struct {
	UpdateID      int64    `json:"update_id"`
	Message       *Message `json:"message"`
	EditedMessage *Message `json:"edited_message"`
}

type Message struct {
	MessageID int64  `json:"message_id"`
	From      *User  `json:"from"`
	Chat      Chat   `json:"chat"`
	Text      string `json:"text"`
}

type User struct {
	ID        int64  `json:"id"`
	IsBot     bool   `json:"is_bot"`
	FirstName string `json:"first_name"`
	Username  string `json:"username"`
}

type Chat struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
}

// ParseDelivery decodes a webhook body into a dispatcher delivery. Edited
// messages and text-less updates are rejected with ErrNoMessage.
func ParseDelivery(body []byte) (dispatch.Delivery, error) {
	var update Update
	if err := json.Unmarshal(body, &update); err != nil {
		return dispatch.Delivery{}, fmt.Errorf("decode update: %w", err)
	}

	msg := update.Message
	if msg == nil || msg.Text == "" || msg.From == nil {
		return dispatch.Delivery{}, ErrNoMessage
	}
	if msg.From.IsBot {
		return dispatch.Delivery{}, ErrNoMessage
	}

	return dispatch.Delivery{
		UpdateID: update.UpdateID,
		ChatID:   msg.Chat.ID,
		UserID:   strconv.FormatInt(msg.From.ID, 10),
		Text:     msg.Text,
	}, nil
}
