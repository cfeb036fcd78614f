package domain

import (
	"time"
)

// PresenceRecord says whether OwnerID is currently viewing the conversation
// with SubjectID. Owned by OwnerID, read by SubjectID. Last writer wins.
type PresenceRecord struct {
	OwnerID      string    `json:"owner_id"`
	SubjectID    string    `json:"subject_id"`
	IsActive     bool      `json:"is_active"`
	LastActiveAt time.Time `json:"last_active_at"`
}

// DraftState is the local-only snapshot of the live draft for one conversation.
type DraftState struct {
	CurrentText                  string `json:"current_text"`
	LastCommittedText            string `json:"last_committed_text"`
	LastCommittedRecipientActive bool   `json:"last_committed_recipient_active"`
}

// Dirty reports whether the current text differs from the last committed text.
// Only a text change forces a write; a recipient flag flip alone never does.
func (d DraftState) Dirty() bool {
	return d.CurrentText != d.LastCommittedText
}
