package models

import "time"

// SubmissionStatus is the lifecycle state of a submission. Successful and Failed are
// terminal.
type SubmissionStatus string

const (
	SubmissionStatusInProgress SubmissionStatus = "In progress"
	SubmissionStatusSuccessful SubmissionStatus = "Successful"
	SubmissionStatusFailed     SubmissionStatus = "Failed"
)

// IsTerminal reports whether no further transition can happen from s.
func (s SubmissionStatus) IsTerminal() bool {
	return s == SubmissionStatusSuccessful || s == SubmissionStatusFailed
}

func (s SubmissionStatus) Valid() bool {
	switch s {
	case SubmissionStatusInProgress, SubmissionStatusSuccessful, SubmissionStatusFailed:
		return true
	}
	return false
}

type SubmissionMessageType string

const (
	SubmissionMessageInfo    SubmissionMessageType = "Info"
	SubmissionMessageWarning SubmissionMessageType = "Warning"
	SubmissionMessageError   SubmissionMessageType = "Error"
)

// Submission is one attempt to validate and ingest a proposal or blocks archive.
// FinishedAt is nil exactly as long as Status is SubmissionStatusInProgress.
type Submission struct {
	SubmissionID uint             `gorm:"primaryKey;autoIncrement;column:submission_id" json:"-"`
	Identifier   string           `gorm:"column:identifier;type:varchar(36);uniqueIndex;not null" json:"identifier"`
	SubmitterID  int              `gorm:"column:submitter_id;not null;index" json:"submitter_id"`
	ProposalCode *string          `gorm:"column:proposal_code;type:varchar(32)" json:"proposal_code"`
	Status       SubmissionStatus `gorm:"column:status;type:varchar(16);not null;index" json:"status"`
	StartedAt    time.Time        `gorm:"column:started_at;not null" json:"started_at"`
	FinishedAt   *time.Time       `gorm:"column:finished_at" json:"finished_at"`
}

func (Submission) TableName() string { return "submissions" }

// SubmissionLogEntry is an immutable progress message. Entry numbers of a submission
// run from 1 without gaps.
type SubmissionLogEntry struct {
	SubmissionLogEntryID uint                  `gorm:"primaryKey;autoIncrement;column:submission_log_entry_id" json:"-"`
	SubmissionID         uint                  `gorm:"column:submission_id;not null;uniqueIndex:idx_submission_entry_number" json:"-"`
	EntryNumber          int                   `gorm:"column:entry_number;not null;uniqueIndex:idx_submission_entry_number" json:"entry_number"`
	MessageType          SubmissionMessageType `gorm:"column:message_type;type:varchar(16);not null" json:"message_type"`
	Message              string                `gorm:"column:message;type:text;not null" json:"message"`
	LoggedAt             time.Time             `gorm:"column:logged_at;not null" json:"logged_at"`
}

func (SubmissionLogEntry) TableName() string { return "submission_log_entries" }
