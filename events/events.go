package events

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Event is a closed set of state-change notifications consumed by the chat
// and notification layers. Delivery is fire-and-forget, at-least-once;
// receivers de-duplicate by Message.ID.
type Event interface {
	Kind() string
}

// MilestoneUpdated signals any milestone state change in a conversation.
type MilestoneUpdated struct {
	MilestoneID    string `json:"milestone_id"`
	ConversationID string `json:"conversation_id"`
	Status         string `json:"status"`
}

func (MilestoneUpdated) Kind() string { return "milestone_updated" }

// BalanceUpdated signals a change of the observed master wallet balance.
type BalanceUpdated struct {
	Network string          `json:"network"`
	Balance decimal.Decimal `json:"balance"`
}

func (BalanceUpdated) Kind() string { return "balance_updated" }

// Message wraps an event with a unique id for receiver-side de-duplication.
type Message struct {
	ID    string `json:"id"`
	Event Event  `json:"event"`
}

// Publisher is the outbound side of the bus.
type Publisher interface {
	Publish(event Event)
}

// NewMessage assigns the de-duplication id.
func NewMessage(event Event) Message {
	return Message{ID: uuid.NewString(), Event: event}
}
