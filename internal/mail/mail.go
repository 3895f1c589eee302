// Package mail is the C4a component: inter-agent mail modeled as
// beads of type "message", read destructively — CheckMail closes each
// message it returns so a second call never redelivers it.
package mail

import (
	"context"
	"fmt"

	"github.com/steveyegge/gastown-townd/internal/beads"
)

// Mailbox sends and delivers mail beads.
type Mailbox struct {
	beads *beads.Repository
}

// New creates a Mailbox over the given bead repository.
func New(beadsRepo *beads.Repository) *Mailbox {
	return &Mailbox{beads: beadsRepo}
}

// Message is a delivered mail item.
type Message struct {
	BeadID    string
	From      string
	Subject   string
	Body      string
	CreatedAt string
}

// SendMail creates a message bead addressed to recipientAgentBeadID,
// stored in the indexed assignee_agent_bead_id column so delivery
// never needs a town-wide scan.
func (m *Mailbox) SendMail(ctx context.Context, fromAgentBeadID, recipientAgentBeadID, subject, body string) (string, error) {
	b, err := m.beads.CreateBead(ctx, beads.CreateInput{
		Type:      beads.TypeMessage,
		Title:     subject,
		Body:      body,
		CreatedBy: fromAgentBeadID,
		Assignee:  recipientAgentBeadID,
	})
	if err != nil {
		return "", fmt.Errorf("sending mail: %w", err)
	}
	if err := m.beads.LogBeadEvent(ctx, b.ID, fromAgentBeadID, beads.EventMailSent, "", recipientAgentBeadID, nil); err != nil {
		return "", fmt.Errorf("logging mail_sent event: %w", err)
	}
	return b.ID, nil
}

// HasUndeliveredMailSubject reports whether an open message addressed
// to recipientAgentBeadID with the given subject already exists,
// without delivering (and so without closing) it. Used by the witness
// pass to avoid sending a duplicate GUPP_CHECK every tick.
func (m *Mailbox) HasUndeliveredMailSubject(ctx context.Context, recipientAgentBeadID, subject string) (bool, error) {
	candidates, err := m.beads.ListBeads(ctx, beads.ListFilter{
		Type:     beads.TypeMessage,
		Status:   beads.StatusOpen,
		Assignee: recipientAgentBeadID,
	})
	if err != nil {
		return false, fmt.Errorf("listing mail: %w", err)
	}
	for _, b := range candidates {
		if b.Title == subject {
			return true, nil
		}
	}
	return false, nil
}

// CheckMail returns all open messages addressed to recipientAgentBeadID
// and closes each one, so a message is delivered at most once.
func (m *Mailbox) CheckMail(ctx context.Context, recipientAgentBeadID string) ([]*Message, error) {
	candidates, err := m.beads.ListBeads(ctx, beads.ListFilter{
		Type:     beads.TypeMessage,
		Status:   beads.StatusOpen,
		Assignee: recipientAgentBeadID,
	})
	if err != nil {
		return nil, fmt.Errorf("listing mail: %w", err)
	}

	var out []*Message
	for _, b := range candidates {
		if _, err := m.beads.CloseBead(ctx, b.ID, recipientAgentBeadID); err != nil {
			return nil, fmt.Errorf("closing delivered message %s: %w", b.ID, err)
		}
		out = append(out, &Message{
			BeadID:  b.ID,
			From:    b.CreatedBy,
			Subject: b.Title,
			Body:    b.Body,
		})
	}
	return out, nil
}
