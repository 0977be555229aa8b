package controllers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"proposal-submission-api/models"
	"proposal-submission-api/services"

	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeStore keeps submissions in memory.
type fakeStore struct {
	mu          sync.Mutex
	submissions map[string]*models.Submission
	entries     map[string][]models.SubmissionLogEntry
	nextID      uint
	progressErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		submissions: make(map[string]*models.Submission),
		entries:     make(map[string][]models.SubmissionLogEntry),
	}
}

func (s *fakeStore) Create(_ context.Context, submission *models.Submission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.submissions[submission.Identifier]; ok {
		return fmt.Errorf("duplicate identifier %s", submission.Identifier)
	}
	s.nextID++
	submission.SubmissionID = s.nextID
	submission.Status = models.SubmissionStatusInProgress
	submission.StartedAt = time.Now().UTC()
	stored := *submission
	s.submissions[submission.Identifier] = &stored
	return nil
}

func (s *fakeStore) Get(_ context.Context, identifier string) (*models.Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	submission, ok := s.submissions[identifier]
	if !ok {
		return nil, services.ErrSubmissionNotFound
	}
	copied := *submission
	return &copied, nil
}

func (s *fakeStore) Finish(_ context.Context, identifier string, status models.SubmissionStatus, proposalCode *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	submission, ok := s.submissions[identifier]
	if !ok {
		return services.ErrSubmissionNotFound
	}
	if submission.Status != models.SubmissionStatusInProgress {
		return services.ErrSubmissionAlreadyFinished
	}
	now := time.Now().UTC()
	submission.Status = status
	submission.FinishedAt = &now
	if proposalCode != nil {
		code := *proposalCode
		submission.ProposalCode = &code
	}
	return nil
}

func (s *fakeStore) AppendLogEntry(_ context.Context, identifier string, messageType models.SubmissionMessageType, message string) (*models.SubmissionLogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	submission, ok := s.submissions[identifier]
	if !ok {
		return nil, services.ErrSubmissionNotFound
	}
	entry := models.SubmissionLogEntry{
		SubmissionID: submission.SubmissionID,
		EntryNumber:  len(s.entries[identifier]) + 1,
		MessageType:  messageType,
		Message:      message,
		LoggedAt:     time.Now().UTC(),
	}
	s.entries[identifier] = append(s.entries[identifier], entry)
	return &entry, nil
}

func (s *fakeStore) LogEntries(_ context.Context, identifier string, fromEntryNumber int) ([]models.SubmissionLogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := make([]models.SubmissionLogEntry, 0)
	for _, e := range s.entries[identifier] {
		if e.EntryNumber >= fromEntryNumber {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

func (s *fakeStore) Progress(ctx context.Context, identifier string, fromEntryNumber int) (*services.SubmissionProgress, error) {
	s.mu.Lock()
	err := s.progressErr
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	submission, err := s.Get(ctx, identifier)
	if err != nil {
		return nil, err
	}
	entries, err := s.LogEntries(ctx, identifier, fromEntryNumber)
	if err != nil {
		return nil, err
	}
	return &services.SubmissionProgress{Status: submission.Status, LogEntries: entries, ProposalCode: submission.ProposalCode}, nil
}

func (s *fakeStore) ProposalCodeExists(context.Context, string) (bool, error) {
	return true, nil
}

func (s *fakeStore) ListInProgress(context.Context, time.Time) ([]models.Submission, error) {
	return nil, errors.New("not supported")
}

// addSubmission creates an in-progress submission with the given log messages.
func (s *fakeStore) addSubmission(identifier string, submitterID int, messages ...string) {
	ctx := context.Background()
	if err := s.Create(ctx, &models.Submission{Identifier: identifier, SubmitterID: submitterID}); err != nil {
		panic(err)
	}
	for _, message := range messages {
		if _, err := s.AppendLogEntry(ctx, identifier, models.SubmissionMessageInfo, message); err != nil {
			panic(err)
		}
	}
}

// fakeTokens accepts the tokens it knows.
type fakeTokens map[string]models.User

func (f fakeTokens) UserFromToken(_ context.Context, token string) (*models.User, error) {
	user, ok := f[token]
	if !ok {
		return nil, services.ErrInvalidToken
	}
	return &user, nil
}

var testTokens = fakeTokens{
	"token-jdoe":  {UserID: 7, Username: "jdoe"},
	"token-other": {UserID: 8, Username: "other"},
}
