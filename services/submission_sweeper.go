package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"proposal-submission-api/models"
	"proposal-submission-api/monitor"

	"github.com/rs/zerolog/log"
)

const orphanedSubmissionMessage = "The submission was interrupted before it could be completed. Please submit again."

type SweepInput struct {
	// OlderThan is the minimum age of a submission that is swept.
	OlderThan time.Duration
	DryRun    bool
}

type SweepSummary struct {
	Examined int      `json:"examined"`
	Failed   int      `json:"failed"`
	Skipped  int      `json:"skipped"`
	Errors   []string `json:"errors,omitempty"`
}

// SubmissionSweeper fails submissions left in progress by a supervisor which no longer
// exists, such as after a restart.
type SubmissionSweeper struct {
	store SubmissionStore
	// running reports supervisors of this process, which are never swept.
	running func(identifier string) bool
	hub     *ProgressHub
	now     func() time.Time
}

func NewSubmissionSweeper(store SubmissionStore, running func(identifier string) bool, hub *ProgressHub) *SubmissionSweeper {
	if running == nil {
		running = func(string) bool { return false }
	}
	return &SubmissionSweeper{store: store, running: running, hub: hub, now: func() time.Time { return time.Now().UTC() }}
}

func (s *SubmissionSweeper) Sweep(ctx context.Context, input SweepInput) (*SweepSummary, error) {
	if input.OlderThan < 0 {
		return nil, errors.New("the minimum age must not be negative")
	}

	submissions, err := s.store.ListInProgress(ctx, s.now().Add(-input.OlderThan))
	if err != nil {
		return nil, fmt.Errorf("list submissions in progress: %w", err)
	}

	summary := &SweepSummary{Examined: len(submissions)}
	for _, submission := range submissions {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		if s.running(submission.Identifier) {
			summary.Skipped++
			continue
		}
		if input.DryRun {
			log.Info().Str("submission", submission.Identifier).Time("started_at", submission.StartedAt).Msg("[dry-run] would fail orphaned submission")
			summary.Failed++
			continue
		}

		if err := s.failSubmission(ctx, submission.Identifier); err != nil {
			if errors.Is(err, ErrSubmissionAlreadyFinished) {
				summary.Skipped++
				continue
			}
			summary.Errors = append(summary.Errors, fmt.Sprintf("%s: %v", submission.Identifier, err))
			continue
		}
		summary.Failed++
	}

	if !input.DryRun && summary.Failed > 0 {
		monitor.RecordSweptSubmissions(summary.Failed)
	}
	return summary, nil
}

func (s *SubmissionSweeper) failSubmission(ctx context.Context, identifier string) error {
	// The entry precedes the terminal status so that streaming clients receive it.
	if _, err := s.store.AppendLogEntry(ctx, identifier, models.SubmissionMessageError, orphanedSubmissionMessage); err != nil {
		log.Warn().Err(err).Str("submission", identifier).Msg("failed to record sweeper log entry")
	}
	if err := s.store.Finish(ctx, identifier, models.SubmissionStatusFailed, nil); err != nil {
		return err
	}
	s.hub.Publish(identifier)
	log.Warn().Str("submission", identifier).Msg("orphaned submission marked as failed")
	return nil
}

// Start sweeps immediately and then every interval until ctx is done.
func (s *SubmissionSweeper) Start(ctx context.Context, interval time.Duration, input SweepInput) {
	for {
		summary, err := s.Sweep(ctx, input)
		if err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("submission sweep failed")
		} else if summary != nil && (summary.Failed > 0 || len(summary.Errors) > 0) {
			log.Info().Int("failed", summary.Failed).Strs("errors", summary.Errors).Msg("submission sweep finished")
		}

		if interval <= 0 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}
