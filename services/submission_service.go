package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"proposal-submission-api/models"
	"proposal-submission-api/monitor"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// SubmissionJob is everything a supervisor needs to process a submission.
type SubmissionJob struct {
	Identifier   string
	Submitter    models.User
	ProposalCode *string
	ArchivePath  string
}

// SubmissionDispatcher starts the asynchronous processing of a submission.
type SubmissionDispatcher interface {
	Dispatch(ctx context.Context, job SubmissionJob) error
}

type SubmitProposalInput struct {
	Submitter    models.User
	Archive      io.Reader
	ProposalCode string
}

type SubmissionService struct {
	store      SubmissionStore
	dispatcher SubmissionDispatcher
	uploadDir  string
	maxBytes   int64
	now        func() time.Time
}

func NewSubmissionService(store SubmissionStore, dispatcher SubmissionDispatcher, uploadDir string, maxBytes int64) *SubmissionService {
	if uploadDir == "" {
		uploadDir = filepath.Join(os.TempDir(), "submissions")
	}
	if maxBytes <= 0 {
		maxBytes = 100 << 20
	}
	return &SubmissionService{
		store:      store,
		dispatcher: dispatcher,
		uploadDir:  uploadDir,
		maxBytes:   maxBytes,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// SubmitProposal validates the submitted archive, records the submission and hands it to
// a supervisor. It returns the submission identifier without waiting for the
// processing to finish. No submission is recorded if validation fails.
func (s *SubmissionService) SubmitProposal(ctx context.Context, input *SubmitProposalInput) (string, error) {
	if input == nil {
		return "", errors.New("input is nil")
	}
	if input.Archive == nil {
		return "", newValidationError("A zip file with the proposal must be submitted.")
	}

	content, err := io.ReadAll(io.LimitReader(input.Archive, s.maxBytes+1))
	if err != nil {
		return "", fmt.Errorf("read submitted file: %w", err)
	}
	if int64(len(content)) > s.maxBytes {
		return "", newValidationError("The submitted file must not be larger than %d bytes.", s.maxBytes)
	}

	archive, err := InspectArchive(content)
	if err != nil {
		return "", err
	}

	proposalCode, err := s.reconcileProposalCode(ctx, archive, strings.TrimSpace(input.ProposalCode))
	if err != nil {
		return "", err
	}

	identifier := uuid.NewString()
	archivePath, err := s.saveArchive(identifier, content)
	if err != nil {
		return "", err
	}

	submission := &models.Submission{
		Identifier:   identifier,
		SubmitterID:  input.Submitter.UserID,
		ProposalCode: proposalCode,
		StartedAt:    s.now(),
	}
	if err := s.store.Create(ctx, submission); err != nil {
		if rmErr := os.Remove(archivePath); rmErr != nil {
			log.Warn().Err(rmErr).Str("path", archivePath).Msg("failed to remove submitted file")
		}
		return "", fmt.Errorf("record submission: %w", err)
	}
	monitor.RecordSubmissionCreated()

	job := SubmissionJob{
		Identifier:   identifier,
		Submitter:    input.Submitter,
		ProposalCode: proposalCode,
		ArchivePath:  archivePath,
	}
	if err := s.dispatcher.Dispatch(ctx, job); err != nil {
		// The submission stays in progress until the sweeper fails it.
		log.Error().Err(err).Str("submission", identifier).Msg("failed to dispatch submission")
		return "", fmt.Errorf("dispatch submission %s: %w", identifier, err)
	}

	log.Info().
		Str("submission", identifier).
		Int("submitter_id", input.Submitter.UserID).
		Str("xml_file", archive.XMLFile).
		Msg("submission accepted")
	return identifier, nil
}

func (s *SubmissionService) reconcileProposalCode(ctx context.Context, archive *ProposalArchive, supplied string) (*string, error) {
	if supplied == "" {
		if archive.IsBlocks() {
			return nil, newValidationError("A proposal code must be supplied when blocks are submitted.")
		}
		return nil, nil
	}

	if embedded := archive.EmbeddedProposalCode; embedded != nil && *embedded != supplied {
		return nil, newValidationError(
			"The proposal code passed as query parameter (%s) is not the same as that given in the proposal file (%s).",
			supplied, *embedded,
		)
	}

	exists, err := s.store.ProposalCodeExists(ctx, supplied)
	if err != nil {
		return nil, fmt.Errorf("look up proposal code: %w", err)
	}
	if !exists {
		return nil, newValidationError("The proposal code %s does not exist.", supplied)
	}
	return &supplied, nil
}

func (s *SubmissionService) saveArchive(identifier string, content []byte) (string, error) {
	if err := os.MkdirAll(s.uploadDir, 0o755); err != nil {
		return "", fmt.Errorf("create upload directory: %w", err)
	}
	path, err := filepath.Abs(filepath.Join(s.uploadDir, identifier+".zip"))
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return "", fmt.Errorf("save submitted file: %w", err)
	}
	return path, nil
}
