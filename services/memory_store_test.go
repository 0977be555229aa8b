package services

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"proposal-submission-api/models"
)

// memoryStore is a SubmissionStore keeping everything in memory.
type memoryStore struct {
	mu            sync.Mutex
	submissions   map[string]*models.Submission
	entries       map[string][]models.SubmissionLogEntry
	proposalCodes map[string]bool
	nextID        uint
	finishErrs    []error
	appendErrs    []error
}

func newMemoryStore(proposalCodes ...string) *memoryStore {
	s := &memoryStore{
		submissions:   make(map[string]*models.Submission),
		entries:       make(map[string][]models.SubmissionLogEntry),
		proposalCodes: make(map[string]bool),
	}
	for _, code := range proposalCodes {
		s.proposalCodes[code] = true
	}
	return s
}

func (s *memoryStore) Create(_ context.Context, submission *models.Submission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.submissions[submission.Identifier]; ok {
		return fmt.Errorf("duplicate identifier %s", submission.Identifier)
	}
	s.nextID++
	submission.SubmissionID = s.nextID
	submission.Status = models.SubmissionStatusInProgress
	submission.FinishedAt = nil
	if submission.StartedAt.IsZero() {
		submission.StartedAt = time.Now().UTC()
	}
	stored := *submission
	s.submissions[submission.Identifier] = &stored
	return nil
}

func (s *memoryStore) Get(_ context.Context, identifier string) (*models.Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	submission, ok := s.submissions[identifier]
	if !ok {
		return nil, ErrSubmissionNotFound
	}
	copied := *submission
	return &copied, nil
}

func (s *memoryStore) Finish(_ context.Context, identifier string, status models.SubmissionStatus, proposalCode *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.finishErrs) > 0 {
		err := s.finishErrs[0]
		s.finishErrs = s.finishErrs[1:]
		if err != nil {
			return err
		}
	}
	submission, ok := s.submissions[identifier]
	if !ok {
		return ErrSubmissionNotFound
	}
	if submission.Status != models.SubmissionStatusInProgress {
		return ErrSubmissionAlreadyFinished
	}
	now := time.Now().UTC()
	submission.Status = status
	submission.FinishedAt = &now
	if proposalCode != nil && *proposalCode != "" {
		code := *proposalCode
		submission.ProposalCode = &code
	}
	return nil
}

func (s *memoryStore) AppendLogEntry(_ context.Context, identifier string, messageType models.SubmissionMessageType, message string) (*models.SubmissionLogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.appendErrs) > 0 {
		err := s.appendErrs[0]
		s.appendErrs = s.appendErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	submission, ok := s.submissions[identifier]
	if !ok {
		return nil, ErrSubmissionNotFound
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

func (s *memoryStore) LogEntries(_ context.Context, identifier string, fromEntryNumber int) ([]models.SubmissionLogEntry, error) {
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

func (s *memoryStore) Progress(ctx context.Context, identifier string, fromEntryNumber int) (*SubmissionProgress, error) {
	submission, err := s.Get(ctx, identifier)
	if err != nil {
		return nil, err
	}
	entries, err := s.LogEntries(ctx, identifier, fromEntryNumber)
	if err != nil {
		return nil, err
	}
	return &SubmissionProgress{Status: submission.Status, LogEntries: entries, ProposalCode: submission.ProposalCode}, nil
}

func (s *memoryStore) ProposalCodeExists(_ context.Context, proposalCode string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proposalCodes[proposalCode], nil
}

func (s *memoryStore) ListInProgress(_ context.Context, startedBefore time.Time) ([]models.Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var submissions []models.Submission
	for _, submission := range s.submissions {
		if submission.Status == models.SubmissionStatusInProgress && submission.StartedAt.Before(startedBefore) {
			submissions = append(submissions, *submission)
		}
	}
	return submissions, nil
}

func (s *memoryStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.submissions)
}

func (s *memoryStore) logEntries(t *testing.T, identifier string) []models.SubmissionLogEntry {
	t.Helper()
	entries, err := s.LogEntries(context.Background(), identifier, 1)
	if err != nil {
		t.Fatalf("read log entries: %v", err)
	}
	return entries
}

func (s *memoryStore) mustGet(t *testing.T, identifier string) *models.Submission {
	t.Helper()
	submission, err := s.Get(context.Background(), identifier)
	if err != nil {
		t.Fatalf("get submission %s: %v", identifier, err)
	}
	return submission
}

// zipArchive returns a zip file with the given files.
func zipArchive(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, content := range files {
		f, err := w.Create(name)
		if err != nil {
			t.Fatalf("create zip entry %s: %v", name, err)
		}
		if _, err := f.Write([]byte(content)); err != nil {
			t.Fatalf("write zip entry %s: %v", name, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
	return buf.Bytes()
}

func assertGaplessEntries(t *testing.T, entries []models.SubmissionLogEntry) {
	t.Helper()
	for i, e := range entries {
		if e.EntryNumber != i+1 {
			t.Fatalf("expected entry number %d at position %d, got %d", i+1, i, e.EntryNumber)
		}
	}
}
