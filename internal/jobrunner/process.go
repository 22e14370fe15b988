package jobrunner

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	cerrors "cyclon/internal/errors"
	"cyclon/internal/logging"
)

// ProcessRunner drives real batch systems by shelling out through the
// registered handlers. Job scripts are written under
// {RunDir}/jobs/{task}/{submit_num}/job.
type ProcessRunner struct {
	registry *Registry
	runDir   string
	timeout  time.Duration
	logger   logging.Logger
}

// NewProcessRunner creates a runner writing job files under runDir.
// cmdTimeout bounds each submit/poll/kill invocation.
func NewProcessRunner(registry *Registry, runDir string, cmdTimeout time.Duration, logger logging.Logger) *ProcessRunner {
	if cmdTimeout <= 0 {
		cmdTimeout = 60 * time.Second
	}
	return &ProcessRunner{
		registry: registry,
		runDir:   runDir,
		timeout:  cmdTimeout,
		logger:   logging.OrNop(logger),
	}
}

// Submit writes the job script and hands it to the batch system.
func (r *ProcessRunner) Submit(ctx context.Context, job *Job) (string, error) {
	handler, err := r.registry.Lookup(job.RunnerName)
	if err != nil {
		return "", err
	}

	jobDir := filepath.Join(r.runDir, "jobs", sanitize(job.TaskID), fmt.Sprintf("%02d", job.SubmitNum))
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		return "", cerrors.New(cerrors.KindRunner, "create job dir: %v", err)
	}
	job.JobFilePath = filepath.Join(jobDir, "job")

	script := BuildScript(job, handler)
	if err := os.WriteFile(job.JobFilePath, []byte(script), 0o755); err != nil {
		return "", cerrors.New(cerrors.KindRunner, "write job script: %v", err)
	}

	stdout, stderr, err := r.run(ctx, handler.SubmitArgv(job.JobFilePath, job))
	if err != nil {
		return "", cerrors.New(cerrors.KindRunner, "submit %s: %v (stderr: %s)",
			job.TaskID, err, strings.TrimSpace(stderr))
	}
	jobID, err := handler.ExtractJobID(stdout, stderr)
	if err != nil {
		return "", err
	}
	r.logger.Debug("submitted %s (submit %d) to %s as job %s", job.TaskID, job.SubmitNum, job.RunnerName, jobID)
	return jobID, nil
}

// Poll asks the batch system whether the job is still in its queue.
func (r *ProcessRunner) Poll(ctx context.Context, runnerName, jobID string) (ObservedStatus, string, error) {
	handler, err := r.registry.Lookup(runnerName)
	if err != nil {
		return ObservedUnknown, "", err
	}
	stdout, stderr, err := r.run(ctx, handler.PollArgv(jobID))
	if err != nil {
		// Some queue commands exit non-zero for unknown jobs; that is an
		// authoritative not-in-queue, not a poll failure.
		if strings.TrimSpace(stdout) == "" && ctx.Err() == nil {
			return ObservedNotInQueue, stdout, nil
		}
		return ObservedUnknown, stdout, cerrors.New(cerrors.KindRunner,
			"poll %s: %v (stderr: %s)", jobID, err, strings.TrimSpace(stderr))
	}
	if handler.FilterPollOutput(stdout, jobID) {
		return ObservedRunning, stdout, nil
	}
	return ObservedNotInQueue, stdout, nil
}

// Kill issues the batch system's kill command; best effort.
func (r *ProcessRunner) Kill(ctx context.Context, runnerName, jobID string) error {
	handler, err := r.registry.Lookup(runnerName)
	if err != nil {
		return err
	}
	_, stderr, err := r.run(ctx, handler.KillArgv(jobID))
	if err != nil {
		return cerrors.New(cerrors.KindRunner, "kill %s: %v (stderr: %s)",
			jobID, err, strings.TrimSpace(stderr))
	}
	return nil
}

func (r *ProcessRunner) run(ctx context.Context, argv []string) (string, string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
}
