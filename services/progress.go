package services

import (
	"context"
	"errors"
	"time"

	"proposal-submission-api/models"
)

// ErrInvalidEntryNumber is returned for a starting entry number less than 1.
var ErrInvalidEntryNumber = errors.New("the entry number must be a positive integer")

// LogEntryMessage is a log entry as sent to clients.
type LogEntryMessage struct {
	EntryNumber int                          `json:"entry_number"`
	MessageType models.SubmissionMessageType `json:"message_type"`
	Message     string                       `json:"message"`
	LoggedAt    time.Time                    `json:"logged_at"`
}

// ProgressMessage is the status of a submission with the log entries a client has not
// seen yet. The proposal code is only included once the submission has been successful.
type ProgressMessage struct {
	Status       models.SubmissionStatus `json:"status"`
	LogEntries   []LogEntryMessage       `json:"log_entries"`
	ProposalCode *string                 `json:"proposal_code,omitempty"`
}

// Terminal reports whether no further messages will follow.
func (m *ProgressMessage) Terminal() bool {
	return m.Status.IsTerminal()
}

// ProgressReader is the read-only part of the store used for reporting progress.
type ProgressReader interface {
	Get(ctx context.Context, identifier string) (*models.Submission, error)
	Progress(ctx context.Context, identifier string, fromEntryNumber int) (*SubmissionProgress, error)
}

// NewProgressMessage converts progress read from the store.
func NewProgressMessage(progress *SubmissionProgress) *ProgressMessage {
	msg := &ProgressMessage{
		Status:     progress.Status,
		LogEntries: make([]LogEntryMessage, 0, len(progress.LogEntries)),
	}
	for _, e := range progress.LogEntries {
		msg.LogEntries = append(msg.LogEntries, LogEntryMessage{
			EntryNumber: e.EntryNumber,
			MessageType: e.MessageType,
			Message:     e.Message,
			LoggedAt:    e.LoggedAt,
		})
	}
	if progress.Status == models.SubmissionStatusSuccessful && progress.ProposalCode != nil && *progress.ProposalCode != "" {
		code := *progress.ProposalCode
		msg.ProposalCode = &code
	}
	return msg
}

// ProgressCursor reads the progress of a submission so that no log entry is returned
// twice and none at or after the starting entry number is skipped.
type ProgressCursor struct {
	reader     ProgressReader
	identifier string
	next       int
}

func NewProgressCursor(reader ProgressReader, identifier string, fromEntryNumber int) (*ProgressCursor, error) {
	if fromEntryNumber < 1 {
		return nil, ErrInvalidEntryNumber
	}
	return &ProgressCursor{reader: reader, identifier: identifier, next: fromEntryNumber}, nil
}

// Position is the entry number of the next entry to be returned.
func (c *ProgressCursor) Position() int {
	return c.next
}

// Next returns the current status together with all entries not returned before.
func (c *ProgressCursor) Next(ctx context.Context) (*ProgressMessage, error) {
	progress, err := c.reader.Progress(ctx, c.identifier, c.next)
	if err != nil {
		return nil, err
	}
	for _, e := range progress.LogEntries {
		if e.EntryNumber >= c.next {
			c.next = e.EntryNumber + 1
		}
	}
	return NewProgressMessage(progress), nil
}
