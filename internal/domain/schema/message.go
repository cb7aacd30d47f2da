package schema

import json "github.com/goccy/go-json"

// MessageType discriminates outbound stream messages.
type MessageType string

const (
	// MessageTypePriceUpdate tags a price update message.
	MessageTypePriceUpdate MessageType = "price_update"
	// MessageTypeError tags an out-of-band error message.
	MessageTypeError MessageType = "error"
)

// Message is the envelope written to stream subscribers.
type Message struct {
	Type    MessageType      `json:"type"`
	Data    *PriceUpdateData `json:"data,omitempty"`
	Message string           `json:"message,omitempty"`
}

// MarshalJSON always emits the message key for error messages, even when empty.
func (m Message) MarshalJSON() ([]byte, error) {
	if m.Type == MessageTypeError {
		return json.Marshal(struct {
			Type    MessageType `json:"type"`
			Message string      `json:"message"`
		}{Type: m.Type, Message: m.Message})
	}
	type plain Message
	return json.Marshal(plain(m))
}

// PriceUpdateData is the body of a price update message.
type PriceUpdateData struct {
	TickerID  string  `json:"ticker_id"`
	Price     float64 `json:"price"`
	Timestamp string  `json:"timestamp"`
}

// NewPriceUpdateMessage builds the stream message for a price update.
func NewPriceUpdateMessage(evt PriceUpdateEvent) Message {
	return Message{
		Type: MessageTypePriceUpdate,
		Data: &PriceUpdateData{
			TickerID:  evt.InstrumentID,
			Price:     evt.Price,
			Timestamp: FormatTimestamp(evt.Timestamp),
		},
	}
}

// NewErrorMessage builds an error message for a single subscriber.
func NewErrorMessage(message string) Message {
	return Message{Type: MessageTypeError, Message: message}
}
