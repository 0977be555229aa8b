package services

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"proposal-submission-api/config"
	"proposal-submission-api/models"
)

// ToolOutcome is how a run of the mapping tool ended.
type ToolOutcome int

const (
	// OutcomeSucceeded: the tool exited normally after reporting completion.
	OutcomeSucceeded ToolOutcome = iota
	// OutcomeFailed: the tool could not be started, exited with a non-zero status, was
	// killed or timed out.
	OutcomeFailed
	// OutcomeAmbiguous: the tool exited normally without reporting completion.
	OutcomeAmbiguous
)

func (o ToolOutcome) String() string {
	switch o {
	case OutcomeSucceeded:
		return "succeeded"
	case OutcomeFailed:
		return "failed"
	case OutcomeAmbiguous:
		return "ambiguous"
	}
	return fmt.Sprintf("ToolOutcome(%d)", int(o))
}

// ToolMessage is a progress message reported by the mapping tool.
type ToolMessage struct {
	Type models.SubmissionMessageType
	Text string
}

type ToolResult struct {
	Outcome ToolOutcome
	// ProposalCode is the proposal code reported by the tool, if any.
	ProposalCode *string
	Err          error
}

// MappingTool validates a submitted archive and maps it to the database. Progress
// messages are passed to progress, which must not be called after Run returns.
type MappingTool interface {
	Run(ctx context.Context, job SubmissionJob, progress func(ToolMessage)) ToolResult
}

// Lines written by the mapping tool which are interpreted rather than logged.
const (
	toolCompletionMarker     = "SUBMISSION_COMPLETED"
	toolProposalCodePrefix   = "PROPOSAL_CODE:"
	toolInfoPrefix           = "INFO:"
	toolWarningPrefix        = "WARNING:"
	toolErrorPrefix          = "ERROR:"
	maxToolLineLength        = 4 * 1024 * 1024
	initialToolLineBufferLen = 64 * 1024
)

// toolWaitDelay is how long output of processes left behind by the tool is still read
// after the tool has exited or was killed.
var toolWaitDelay = 5 * time.Second

// ToolExecutionError represents a failure when running the mapping tool.
type ToolExecutionError struct {
	Err      error
	ExitCode *int
}

func (e *ToolExecutionError) Error() string {
	if e == nil {
		return ""
	}
	if e.ExitCode != nil {
		return fmt.Sprintf("the submission script failed with exit code %d: %v", *e.ExitCode, e.Err)
	}
	return fmt.Sprintf("the submission script failed: %v", e.Err)
}

func (e *ToolExecutionError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// MappingToolRunner runs the Java mapping tool as an external process.
type MappingToolRunner struct {
	settings config.MappingToolSettings
	now      func() time.Time
}

func NewMappingToolRunner(settings config.MappingToolSettings) *MappingToolRunner {
	return &MappingToolRunner{settings: settings, now: time.Now}
}

// Command returns the command line for processing job.
func (m *MappingToolRunner) Command(job SubmissionJob) []string {
	s := m.settings
	sentry := s.SentryDSN
	if sentry == "" {
		sentry = "no-sentry"
	}

	args := []string{
		s.JavaCommand, "-Xms85m", "-Xmx1024m",
		"-jar", s.Jar,
		"-submissionIdentifier", job.Identifier,
		"-access", s.DatabaseAccessConfig,
		"-log", strings.TrimRight(s.LogDir, "/") + "/" + m.logName(job.ProposalCode),
		"-user", job.Submitter.Username,
		"-convert", s.ImageConversionCommand,
		"-save", s.ProposalsDir,
		"-file", job.ArchivePath,
	}
	if job.ProposalCode != nil && *job.ProposalCode != "" {
		args = append(args, "-proposalCode", *job.ProposalCode)
	}
	args = append(args,
		"-piptDir", s.PiptDir,
		"-server", s.WebManagerURL,
		"-ephemerisUrl", s.EphemerisURL,
		"-findingChartGenerationScript", s.FinderChartTool,
		"-python", s.PythonInterpreter,
		"-sentryDSN", sentry,
		s.APIKey,
	)
	return args
}

func (m *MappingToolRunner) logName(proposalCode *string) string {
	name := m.now().UTC().Format("2006-01-02T15:04:05.000000")
	if proposalCode != nil && *proposalCode != "" {
		return *proposalCode + "-" + name
	}
	return name
}

func (m *MappingToolRunner) Run(ctx context.Context, job SubmissionJob, progress func(ToolMessage)) ToolResult {
	return runToolProcess(ctx, m.Command(job), progress)
}

// runToolProcess runs argv, reports its output line by line and classifies its end.
func runToolProcess(ctx context.Context, argv []string, progress func(ToolMessage)) ToolResult {
	if len(argv) == 0 || argv[0] == "" {
		return ToolResult{Outcome: OutcomeFailed, Err: &ToolExecutionError{Err: errors.New("no command configured")}}
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	configureToolProcess(cmd)
	// Processes started by the tool may keep its output open. Wait gives up on them
	// after toolWaitDelay.
	cmd.WaitDelay = toolWaitDelay

	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	interp := &toolOutputInterpreter{}
	var wg sync.WaitGroup
	wg.Add(2)
	scan := func(r *io.PipeReader, fromStderr bool) {
		defer wg.Done()
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, initialToolLineBufferLen), maxToolLineLength)
		for scanner.Scan() {
			if msg, ok := interp.interpret(scanner.Text(), fromStderr); ok {
				progress(msg)
			}
		}
		// A line longer than maxToolLineLength stops the scan; closing the reader makes
		// further writes fail instead of blocking.
		_ = r.CloseWithError(scanner.Err())
	}
	go scan(stdoutR, false)
	go scan(stderrR, true)

	if err := cmd.Start(); err != nil {
		stdoutW.Close()
		stderrW.Close()
		wg.Wait()
		return ToolResult{Outcome: OutcomeFailed, Err: &ToolExecutionError{Err: err}}
	}

	waitErr := cmd.Wait()
	stdoutW.Close()
	stderrW.Close()
	wg.Wait()
	completed, proposalCode := interp.result()

	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return ToolResult{Outcome: OutcomeFailed, ProposalCode: proposalCode, Err: &ToolExecutionError{Err: errors.New("the submission script timed out")}}
		}
		return ToolResult{Outcome: OutcomeFailed, ProposalCode: proposalCode, Err: &ToolExecutionError{Err: ctxErr}}
	}
	if errors.Is(waitErr, exec.ErrWaitDelay) {
		// The tool itself exited normally; only processes it left behind were cut off.
		waitErr = nil
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			code := exitErr.ExitCode()
			return ToolResult{Outcome: OutcomeFailed, ProposalCode: proposalCode, Err: &ToolExecutionError{Err: waitErr, ExitCode: &code}}
		}
		return ToolResult{Outcome: OutcomeFailed, ProposalCode: proposalCode, Err: &ToolExecutionError{Err: waitErr}}
	}
	if completed {
		return ToolResult{Outcome: OutcomeSucceeded, ProposalCode: proposalCode}
	}
	return ToolResult{Outcome: OutcomeAmbiguous, ProposalCode: proposalCode}
}

// toolOutputInterpreter turns output lines into progress messages and keeps track of the
// completion marker and the reported proposal code. stdout and stderr are read
// concurrently.
type toolOutputInterpreter struct {
	mu           sync.Mutex
	completed    bool
	proposalCode *string
}

func (t *toolOutputInterpreter) interpret(line string, fromStderr bool) (ToolMessage, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return ToolMessage{}, false
	}

	switch {
	case line == toolCompletionMarker:
		t.mu.Lock()
		t.completed = true
		t.mu.Unlock()
		return ToolMessage{}, false
	case strings.HasPrefix(line, toolProposalCodePrefix):
		code := strings.TrimSpace(strings.TrimPrefix(line, toolProposalCodePrefix))
		if code == "" {
			return ToolMessage{}, false
		}
		t.mu.Lock()
		t.proposalCode = &code
		t.mu.Unlock()
		return ToolMessage{}, false
	case strings.HasPrefix(line, toolInfoPrefix):
		return ToolMessage{Type: models.SubmissionMessageInfo, Text: strings.TrimSpace(strings.TrimPrefix(line, toolInfoPrefix))}, true
	case strings.HasPrefix(line, toolWarningPrefix):
		return ToolMessage{Type: models.SubmissionMessageWarning, Text: strings.TrimSpace(strings.TrimPrefix(line, toolWarningPrefix))}, true
	case strings.HasPrefix(line, toolErrorPrefix):
		return ToolMessage{Type: models.SubmissionMessageError, Text: strings.TrimSpace(strings.TrimPrefix(line, toolErrorPrefix))}, true
	case fromStderr:
		return ToolMessage{Type: models.SubmissionMessageError, Text: line}, true
	default:
		return ToolMessage{Type: models.SubmissionMessageInfo, Text: line}, true
	}
}

func (t *toolOutputInterpreter) result() (bool, *string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.completed, t.proposalCode
}
