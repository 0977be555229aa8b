package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"proposal-submission-api/config"
	"proposal-submission-api/models"

	"gorm.io/gorm"
)

var (
	ErrSubmissionNotFound        = errors.New("submission not found")
	ErrSubmissionAlreadyFinished = errors.New("submission already finished")
)

// SubmissionProgress is the status of a submission together with (part of) its log.
type SubmissionProgress struct {
	Status       models.SubmissionStatus
	LogEntries   []models.SubmissionLogEntry
	ProposalCode *string
}

// SubmissionStore is the persistence used by the submission services. Log entries and
// the terminal status of a submission are only ever written by the supervisor owning it.
type SubmissionStore interface {
	Create(ctx context.Context, submission *models.Submission) error
	Get(ctx context.Context, identifier string) (*models.Submission, error)
	Finish(ctx context.Context, identifier string, status models.SubmissionStatus, proposalCode *string) error
	AppendLogEntry(ctx context.Context, identifier string, messageType models.SubmissionMessageType, message string) (*models.SubmissionLogEntry, error)
	LogEntries(ctx context.Context, identifier string, fromEntryNumber int) ([]models.SubmissionLogEntry, error)
	Progress(ctx context.Context, identifier string, fromEntryNumber int) (*SubmissionProgress, error)
	ProposalCodeExists(ctx context.Context, proposalCode string) (bool, error)
	ListInProgress(ctx context.Context, startedBefore time.Time) ([]models.Submission, error)
}

type SubmissionRepository struct {
	db  *gorm.DB
	now func() time.Time
}

func NewSubmissionRepository(db *gorm.DB) *SubmissionRepository {
	if db == nil {
		db = config.DB
	}
	return &SubmissionRepository{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func (r *SubmissionRepository) Create(ctx context.Context, submission *models.Submission) error {
	if submission == nil {
		return errors.New("submission is nil")
	}
	if submission.Identifier == "" {
		return errors.New("submission identifier is required")
	}
	submission.Status = models.SubmissionStatusInProgress
	submission.FinishedAt = nil
	if submission.StartedAt.IsZero() {
		submission.StartedAt = r.now()
	}
	return r.db.WithContext(ctx).Create(submission).Error
}

func (r *SubmissionRepository) Get(ctx context.Context, identifier string) (*models.Submission, error) {
	var submission models.Submission
	err := r.db.WithContext(ctx).Where("identifier = ?", identifier).First(&submission).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSubmissionNotFound
		}
		return nil, err
	}
	return &submission, nil
}

// Finish sets the terminal status and the finishing time. Only a submission which is
// still in progress is updated; ErrSubmissionAlreadyFinished is returned otherwise.
func (r *SubmissionRepository) Finish(ctx context.Context, identifier string, status models.SubmissionStatus, proposalCode *string) error {
	if !status.IsTerminal() {
		return fmt.Errorf("%q is not a terminal submission status", status)
	}

	updates := map[string]interface{}{
		"status":      status,
		"finished_at": r.now(),
	}
	if proposalCode != nil && *proposalCode != "" {
		updates["proposal_code"] = *proposalCode
	}

	res := r.db.WithContext(ctx).Model(&models.Submission{}).
		Where("identifier = ? AND status = ?", identifier, models.SubmissionStatusInProgress).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}

	if _, err := r.submissionID(ctx, identifier); err != nil {
		return err
	}
	return ErrSubmissionAlreadyFinished
}

// AppendLogEntry adds a log entry numbered one more than the current number of entries.
// The unique index on (submission_id, entry_number) rejects a concurrent second writer.
func (r *SubmissionRepository) AppendLogEntry(ctx context.Context, identifier string, messageType models.SubmissionMessageType, message string) (*models.SubmissionLogEntry, error) {
	submissionID, err := r.submissionID(ctx, identifier)
	if err != nil {
		return nil, err
	}

	var count int64
	if err := r.db.WithContext(ctx).Model(&models.SubmissionLogEntry{}).
		Where("submission_id = ?", submissionID).
		Count(&count).Error; err != nil {
		return nil, err
	}

	entry := &models.SubmissionLogEntry{
		SubmissionID: submissionID,
		EntryNumber:  int(count) + 1,
		MessageType:  messageType,
		Message:      message,
		LoggedAt:     r.now(),
	}
	if err := r.db.WithContext(ctx).Create(entry).Error; err != nil {
		return nil, err
	}
	return entry, nil
}

// LogEntries returns the entries with an entry number of at least fromEntryNumber, in
// ascending order. An unknown identifier yields no entries.
func (r *SubmissionRepository) LogEntries(ctx context.Context, identifier string, fromEntryNumber int) ([]models.SubmissionLogEntry, error) {
	entries := make([]models.SubmissionLogEntry, 0)
	err := r.db.WithContext(ctx).Model(&models.SubmissionLogEntry{}).
		Joins("JOIN submissions ON submissions.submission_id = submission_log_entries.submission_id").
		Where("submissions.identifier = ? AND submission_log_entries.entry_number >= ?", identifier, fromEntryNumber).
		Order("submission_log_entries.entry_number ASC").
		Find(&entries).Error
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func (r *SubmissionRepository) Progress(ctx context.Context, identifier string, fromEntryNumber int) (*SubmissionProgress, error) {
	submission, err := r.Get(ctx, identifier)
	if err != nil {
		return nil, err
	}
	entries, err := r.LogEntries(ctx, identifier, fromEntryNumber)
	if err != nil {
		return nil, err
	}
	return &SubmissionProgress{
		Status:       submission.Status,
		LogEntries:   entries,
		ProposalCode: submission.ProposalCode,
	}, nil
}

func (r *SubmissionRepository) ProposalCodeExists(ctx context.Context, proposalCode string) (bool, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&models.ProposalCode{}).
		Where("proposal_code = ?", proposalCode).
		Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *SubmissionRepository) ListInProgress(ctx context.Context, startedBefore time.Time) ([]models.Submission, error) {
	var submissions []models.Submission
	err := r.db.WithContext(ctx).
		Where("status = ? AND started_at < ?", models.SubmissionStatusInProgress, startedBefore).
		Order("started_at ASC").
		Find(&submissions).Error
	if err != nil {
		return nil, err
	}
	return submissions, nil
}

func (r *SubmissionRepository) submissionID(ctx context.Context, identifier string) (uint, error) {
	var ids []uint
	if err := r.db.WithContext(ctx).Model(&models.Submission{}).
		Where("identifier = ?", identifier).
		Pluck("submission_id", &ids).Error; err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, fmt.Errorf("%w: %s", ErrSubmissionNotFound, identifier)
	}
	return ids[0], nil
}
