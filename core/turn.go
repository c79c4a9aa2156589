// Package core holds the shared data model for the memory system:
// conversational turns and the roles that produce them.
package core

import (
	"fmt"
	"time"
)

// Role identifies who produced a turn.
type Role string

const (
	// RoleUser is a human participant.
	RoleUser Role = "user"

	// RoleAgent is the persona's own reply.
	RoleAgent Role = "agent"
)

// Valid reports whether the role is one of the known values.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAgent
}

// Turn is one message in a conversation. Turns are immutable once created:
// working memory owns them until consolidation, after which episodic records
// reference them only as source material for a summary.
type Turn struct {
	// Seq is assigned by the working store on append and increases
	// monotonically per conversation. Zero until appended.
	Seq uint64 `json:"seq"`

	SpeakerID      string    `json:"speaker_id"`
	SpeakerName    string    `json:"speaker_name,omitempty"`
	Role           Role      `json:"role"`
	Text           string    `json:"text"`
	Timestamp      time.Time `json:"timestamp"`
	ConversationID string    `json:"conversation_id"`
}

// NewUserTurn builds an unappended user turn stamped with the current time.
func NewUserTurn(conversationID, speakerID, speakerName, text string) Turn {
	return Turn{
		SpeakerID:      speakerID,
		SpeakerName:    speakerName,
		Role:           RoleUser,
		Text:           text,
		Timestamp:      time.Now().UTC(),
		ConversationID: conversationID,
	}
}

// NewAgentTurn builds an unappended agent turn stamped with the current time.
func NewAgentTurn(conversationID, agentName, text string) Turn {
	return Turn{
		SpeakerID:      "agent",
		SpeakerName:    agentName,
		Role:           RoleAgent,
		Text:           text,
		Timestamp:      time.Now().UTC(),
		ConversationID: conversationID,
	}
}

// Validate checks the fields a store requires before accepting a turn.
func (t Turn) Validate() error {
	if t.ConversationID == "" {
		return fmt.Errorf("turn: conversation id is required")
	}
	if t.SpeakerID == "" {
		return fmt.Errorf("turn: speaker id is required")
	}
	if !t.Role.Valid() {
		return fmt.Errorf("turn: invalid role %q", t.Role)
	}
	if t.Text == "" {
		return fmt.Errorf("turn: text is required")
	}
	return nil
}

// Line renders the turn as a single transcript line.
func (t Turn) Line() string {
	name := t.SpeakerName
	if name == "" {
		name = t.SpeakerID
	}
	return fmt.Sprintf("%s: %s", name, t.Text)
}
