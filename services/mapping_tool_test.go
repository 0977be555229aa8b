package services

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"proposal-submission-api/config"
	"proposal-submission-api/models"
)

func requireShell(t *testing.T) string {
	t.Helper()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh is not available")
	}
	return sh
}

type messageRecorder struct {
	mu       sync.Mutex
	messages []ToolMessage
}

func (r *messageRecorder) record(m ToolMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, m)
}

func TestRunToolProcessInterpretsOutput(t *testing.T) {
	sh := requireShell(t)
	script := `echo "INFO: Validating"; echo "WARNING: Large finder chart"; echo "plain line"; ` +
		`echo "PROPOSAL_CODE: 2021-2-SCI-042"; echo "SUBMISSION_COMPLETED"`

	rec := &messageRecorder{}
	result := runToolProcess(context.Background(), []string{sh, "-c", script}, rec.record)

	if result.Outcome != OutcomeSucceeded {
		t.Fatalf("expected outcome %s, got %s (err %v)", OutcomeSucceeded, result.Outcome, result.Err)
	}
	if result.ProposalCode == nil || *result.ProposalCode != "2021-2-SCI-042" {
		t.Fatalf("unexpected proposal code %v", result.ProposalCode)
	}
	want := []ToolMessage{
		{Type: models.SubmissionMessageInfo, Text: "Validating"},
		{Type: models.SubmissionMessageWarning, Text: "Large finder chart"},
		{Type: models.SubmissionMessageInfo, Text: "plain line"},
	}
	if len(rec.messages) != len(want) {
		t.Fatalf("expected %d messages, got %#v", len(want), rec.messages)
	}
	for i := range want {
		if rec.messages[i] != want[i] {
			t.Fatalf("message %d: expected %#v, got %#v", i, want[i], rec.messages[i])
		}
	}
}

func TestRunToolProcessWithoutCompletionMarkerIsAmbiguous(t *testing.T) {
	sh := requireShell(t)
	result := runToolProcess(context.Background(), []string{sh, "-c", "echo done"}, func(ToolMessage) {})
	if result.Outcome != OutcomeAmbiguous {
		t.Fatalf("expected outcome %s, got %s", OutcomeAmbiguous, result.Outcome)
	}
}

func TestRunToolProcessNonZeroExit(t *testing.T) {
	sh := requireShell(t)
	rec := &messageRecorder{}
	result := runToolProcess(context.Background(), []string{sh, "-c", "echo broken >&2; echo SUBMISSION_COMPLETED; exit 4"}, rec.record)

	if result.Outcome != OutcomeFailed {
		t.Fatalf("expected outcome %s, got %s", OutcomeFailed, result.Outcome)
	}
	var execErr *ToolExecutionError
	if !errors.As(result.Err, &execErr) || execErr.ExitCode == nil || *execErr.ExitCode != 4 {
		t.Fatalf("expected exit code 4, got %v", result.Err)
	}
	if len(rec.messages) != 1 || rec.messages[0].Type != models.SubmissionMessageError {
		t.Fatalf("expected stderr line as error message, got %#v", rec.messages)
	}
}

func TestRunToolProcessTimeout(t *testing.T) {
	sh := requireShell(t)
	cases := map[string]string{
		"replaced shell":      "exec sleep 5",
		"child process":       "sleep 5; echo done",
		"background child":    "(sleep 5; echo late) & echo started; wait",
		"child ignoring TERM": "trap '' TERM; sleep 5",
	}
	for name, script := range cases {
		t.Run(name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
			defer cancel()

			started := time.Now()
			result := runToolProcess(ctx, []string{sh, "-c", script}, func(ToolMessage) {})
			if elapsed := time.Since(started); elapsed > 3*time.Second {
				t.Fatalf("expected the run to end soon after the timeout, took %s", elapsed)
			}
			if result.Outcome != OutcomeFailed {
				t.Fatalf("expected outcome %s, got %s", OutcomeFailed, result.Outcome)
			}
			if result.Err == nil || !strings.Contains(result.Err.Error(), "timed out") {
				t.Fatalf("expected timeout error, got %v", result.Err)
			}
		})
	}
}

func TestRunToolProcessDoesNotWaitForLeftoverProcesses(t *testing.T) {
	sh := requireShell(t)
	previous := toolWaitDelay
	toolWaitDelay = 200 * time.Millisecond
	defer func() { toolWaitDelay = previous }()

	started := time.Now()
	result := runToolProcess(context.Background(), []string{sh, "-c", "sleep 2 & echo SUBMISSION_COMPLETED"}, func(ToolMessage) {})
	if elapsed := time.Since(started); elapsed > 1500*time.Millisecond {
		t.Fatalf("expected the run to end after the wait delay, took %s", elapsed)
	}
	if result.Outcome != OutcomeSucceeded {
		t.Fatalf("expected outcome %s, got %s (err %v)", OutcomeSucceeded, result.Outcome, result.Err)
	}
}

func TestRunToolProcessStartFailure(t *testing.T) {
	result := runToolProcess(context.Background(), []string{"/nonexistent/mapping-tool"}, func(ToolMessage) {})
	if result.Outcome != OutcomeFailed || result.Err == nil {
		t.Fatalf("expected start failure, got %#v", result)
	}
}

func TestMappingToolCommand(t *testing.T) {
	runner := NewMappingToolRunner(config.MappingToolSettings{
		JavaCommand:            "java",
		Jar:                    "/opt/mapping/mapping.jar",
		DatabaseAccessConfig:   "/etc/mapping/access.conf",
		LogDir:                 "/var/log/mapping/",
		ProposalsDir:           "/data/proposals",
		APIKey:                 "key-123",
		PiptDir:                "/opt/pipt",
		WebManagerURL:          "https://www.example.org",
		EphemerisURL:           "https://ephemeris.example.org",
		FinderChartTool:        "/opt/fc/generate.py",
		PythonInterpreter:      "python3",
		ImageConversionCommand: "convert",
	})
	runner.now = func() time.Time { return time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC) }

	code := "2021-2-SCI-042"
	argv := runner.Command(SubmissionJob{
		Identifier:   "c0a8-1",
		Submitter:    models.User{Username: "jdoe"},
		ProposalCode: &code,
		ArchivePath:  "/tmp/c0a8-1.zip",
	})
	joined := strings.Join(argv, " ")

	for _, want := range []string{
		"java -Xms85m -Xmx1024m -jar /opt/mapping/mapping.jar",
		"-submissionIdentifier c0a8-1",
		"-log /var/log/mapping/2021-2-SCI-042-2024-05-01T12:30:00.000000",
		"-user jdoe",
		"-file /tmp/c0a8-1.zip -proposalCode 2021-2-SCI-042 -piptDir /opt/pipt",
		"-sentryDSN no-sentry key-123",
	} {
		if !strings.Contains(joined, want) {
			t.Fatalf("expected command to contain %q, got %q", want, joined)
		}
	}
	if argv[len(argv)-1] != "key-123" {
		t.Fatalf("expected API key as last argument, got %q", argv[len(argv)-1])
	}

	argv = runner.Command(SubmissionJob{Identifier: "c0a8-2", Submitter: models.User{Username: "jdoe"}, ArchivePath: "/tmp/c0a8-2.zip"})
	if strings.Contains(strings.Join(argv, " "), "-proposalCode") {
		t.Fatalf("expected no proposal code argument")
	}
}
