package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"proposal-submission-api/models"
	"proposal-submission-api/monitor"

	"github.com/rs/zerolog/log"
)

var (
	ErrSupervisorAlreadyRunning = errors.New("a supervisor is already running for this submission")
	ErrSupervisorsStopped       = errors.New("submission supervisors have been stopped")
)

const (
	callingToolMessage  = "Calling the submission script"
	ambiguousMessage    = "The submission script ended without confirming that the submission was completed."
	unconfirmedMessage  = "The submission could not be confirmed, as no proposal code was reported."
	defaultToolTimeout  = 30 * time.Minute
	defaultFinishTries  = 5
	defaultFinishDelay  = 500 * time.Millisecond
	toolMessageCapacity = 64
)

// SubmissionNotifier is told about submissions which have reached a terminal status.
type SubmissionNotifier interface {
	SubmissionFinished(ctx context.Context, job SubmissionJob, status models.SubmissionStatus) error
}

type SupervisorOption func(*SupervisorRegistry)

func WithProgressHub(hub *ProgressHub) SupervisorOption {
	return func(r *SupervisorRegistry) { r.hub = hub }
}

func WithNotifier(notifier SubmissionNotifier) SupervisorOption {
	return func(r *SupervisorRegistry) { r.notifier = notifier }
}

// WithTimeout bounds the time a single run of the mapping tool may take.
func WithTimeout(timeout time.Duration) SupervisorOption {
	return func(r *SupervisorRegistry) {
		if timeout > 0 {
			r.timeout = timeout
		}
	}
}

// WithFinishRetry sets how often recording a log entry or the terminal status is
// attempted.
func WithFinishRetry(attempts int, delay time.Duration) SupervisorOption {
	return func(r *SupervisorRegistry) {
		if attempts > 0 {
			r.finishTries = attempts
		}
		if delay >= 0 {
			r.finishDelay = delay
		}
	}
}

// SupervisorRegistry runs one supervisor per submission. A supervisor is the only writer
// of its submission's log entries and terminal status.
type SupervisorRegistry struct {
	store       SubmissionStore
	tool        MappingTool
	hub         *ProgressHub
	notifier    SubmissionNotifier
	timeout     time.Duration
	finishTries int
	finishDelay time.Duration

	mu      sync.Mutex
	running map[string]struct{}
	closed  bool
	wg      sync.WaitGroup
}

func NewSupervisorRegistry(store SubmissionStore, tool MappingTool, opts ...SupervisorOption) *SupervisorRegistry {
	r := &SupervisorRegistry{
		store:       store,
		tool:        tool,
		timeout:     defaultToolTimeout,
		finishTries: defaultFinishTries,
		finishDelay: defaultFinishDelay,
		running:     make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Dispatch starts a supervisor for job and returns without waiting for it. The
// supervisor is not cancelled when ctx is.
func (r *SupervisorRegistry) Dispatch(ctx context.Context, job SubmissionJob) error {
	if job.Identifier == "" {
		return errors.New("submission identifier is required")
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrSupervisorsStopped
	}
	if _, ok := r.running[job.Identifier]; ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSupervisorAlreadyRunning, job.Identifier)
	}
	r.running[job.Identifier] = struct{}{}
	r.wg.Add(1)
	r.mu.Unlock()

	go r.supervise(persistentContext(ctx), job)
	return nil
}

// Running reports whether a supervisor exists for identifier.
func (r *SupervisorRegistry) Running(identifier string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.running[identifier]
	return ok
}

// Close rejects further dispatches. Running supervisors are not interrupted.
func (r *SupervisorRegistry) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
}

// Wait blocks until all supervisors have ended or ctx is done.
func (r *SupervisorRegistry) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *SupervisorRegistry) supervise(ctx context.Context, job SubmissionJob) {
	defer func() {
		r.mu.Lock()
		delete(r.running, job.Identifier)
		r.mu.Unlock()
		r.wg.Done()
	}()
	defer monitor.SupervisorStarted()()

	s := &supervisor{registry: r, job: job, started: time.Now()}
	s.run(ctx)
}

// supervisor drives a single submission to a terminal status.
type supervisor struct {
	registry *SupervisorRegistry
	job      SubmissionJob
	started  time.Time
	finished bool
}

func (s *supervisor) run(ctx context.Context) {
	logger := log.With().Str("submission", s.job.Identifier).Logger()

	defer func() {
		if p := recover(); p != nil {
			logger.Error().Interface("panic", p).Msg("submission supervisor panicked")
			if s.finished {
				return
			}
			s.append(ctx, models.SubmissionMessageError, fmt.Sprintf("The submission failed unexpectedly: %v", p))
			s.finish(ctx, models.SubmissionStatusFailed, nil, OutcomeFailed)
		}
	}()

	s.append(ctx, models.SubmissionMessageInfo, callingToolMessage)

	result := s.runTool(ctx)

	switch result.Outcome {
	case OutcomeSucceeded:
		s.finish(ctx, models.SubmissionStatusSuccessful, result.ProposalCode, result.Outcome)
	case OutcomeAmbiguous:
		s.append(ctx, models.SubmissionMessageWarning, ambiguousMessage)
		if result.ProposalCode != nil && *result.ProposalCode != "" {
			s.finish(ctx, models.SubmissionStatusSuccessful, result.ProposalCode, result.Outcome)
			return
		}
		s.append(ctx, models.SubmissionMessageError, unconfirmedMessage)
		s.finish(ctx, models.SubmissionStatusFailed, nil, result.Outcome)
	default:
		msg := "The submission failed."
		if result.Err != nil {
			msg = fmt.Sprintf("The submission failed: %v", result.Err)
		}
		logger.Warn().Err(result.Err).Msg("submission script failed")
		s.append(ctx, models.SubmissionMessageError, msg)
		s.finish(ctx, models.SubmissionStatusFailed, nil, OutcomeFailed)
	}
}

// runTool runs the mapping tool in its own goroutine and records its progress messages in
// the order they arrive. It returns once the tool has finished and all its messages have
// been recorded.
func (s *supervisor) runTool(ctx context.Context) ToolResult {
	toolCtx, cancel := context.WithTimeout(ctx, s.registry.timeout)
	defer cancel()

	messages := make(chan ToolMessage, toolMessageCapacity)
	results := make(chan ToolResult, 1)
	// stop releases the tool if recording its messages panics.
	stop := make(chan struct{})
	defer close(stop)

	go func() {
		var result ToolResult
		defer func() {
			if p := recover(); p != nil {
				result = ToolResult{Outcome: OutcomeFailed, Err: fmt.Errorf("the submission script panicked: %v", p)}
			}
			close(messages)
			results <- result
		}()
		result = s.registry.tool.Run(toolCtx, s.job, func(m ToolMessage) {
			select {
			case messages <- m:
			case <-stop:
			}
		})
	}()

	for m := range messages {
		s.append(ctx, m.Type, m.Text)
	}
	return <-results
}

func (s *supervisor) append(ctx context.Context, messageType models.SubmissionMessageType, message string) {
	err := s.retry(func() error {
		_, err := s.registry.store.AppendLogEntry(ctx, s.job.Identifier, messageType, message)
		return err
	}, ErrSubmissionNotFound)
	if err != nil {
		log.Error().Err(err).
			Str("submission", s.job.Identifier).
			Str("message_type", string(messageType)).
			Str("message", message).
			Msg("failed to record submission log entry")
		return
	}
	s.registry.hub.Publish(s.job.Identifier)
}

// retry calls op until it succeeds, fails with one of the final errors or the attempts
// set by WithFinishRetry are used up. The delay grows linearly.
func (s *supervisor) retry(op func() error, final ...error) error {
	r := s.registry
	var err error
	for attempt := 1; attempt <= r.finishTries; attempt++ {
		if err = op(); err == nil {
			return nil
		}
		for _, f := range final {
			if errors.Is(err, f) {
				return err
			}
		}
		if attempt < r.finishTries {
			time.Sleep(time.Duration(attempt) * r.finishDelay)
		}
	}
	return err
}

func (s *supervisor) finish(ctx context.Context, status models.SubmissionStatus, proposalCode *string, outcome ToolOutcome) {
	s.finished = true
	r := s.registry

	err := s.retry(func() error {
		return r.store.Finish(ctx, s.job.Identifier, status, proposalCode)
	}, ErrSubmissionAlreadyFinished, ErrSubmissionNotFound)

	logger := log.With().Str("submission", s.job.Identifier).Str("status", string(status)).Logger()
	switch {
	case err == nil:
		logger.Info().Str("outcome", outcome.String()).Dur("duration", time.Since(s.started)).Msg("submission finished")
	case errors.Is(err, ErrSubmissionAlreadyFinished):
		logger.Warn().Msg("submission had already been finished")
		return
	default:
		// The sweeper fails submissions left in progress.
		logger.Error().Err(err).Msg("failed to record terminal submission status")
		return
	}

	r.hub.Publish(s.job.Identifier)
	monitor.RecordSubmissionFinished(string(status), outcome.String(), time.Since(s.started))

	if r.notifier != nil {
		job := s.job
		if proposalCode != nil && *proposalCode != "" {
			job.ProposalCode = proposalCode
		}
		if err := r.notifier.SubmissionFinished(ctx, job, status); err != nil {
			logger.Warn().Err(err).Msg("failed to notify submitter")
		}
	}
}

// persistentContext keeps the values of ctx but not its cancellation, so that a supervisor
// outlives the request which started it.
func persistentContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return context.WithoutCancel(ctx)
}
