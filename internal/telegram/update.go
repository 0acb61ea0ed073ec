package telegram

import (
	"encoding/json"
	"fmt"

	"github.com/go-telegram/bot/models"
)

// Message is the part of an inbound update the bot acts on.
type Message struct {
	ChatID    int64
	Text      string
	FirstName string
}

// DecodeUpdate parses a webhook body. It returns (nil, nil) for a well-formed
// update that carries no message, such as an edited message or a callback.
func DecodeUpdate(data []byte) (*Message, error) {
	var u models.Update
	if err := json.Unmarshal(data, &u); err != nil {
		return nil, fmt.Errorf("telegram: decode update: %w", err)
	}
	if u.Message == nil {
		return nil, nil
	}

	m := &Message{ChatID: u.Message.Chat.ID, Text: u.Message.Text}
	if u.Message.From != nil {
		m.FirstName = u.Message.From.FirstName
	}
	return m, nil
}
