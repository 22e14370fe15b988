package jobrunner

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cyclon/internal/graph"
)

func demoJob() *Job {
	return &Job{
		WorkflowName: "demo",
		TaskID:       "foo.20200101T0000Z",
		CyclePoint:   "20200101T0000Z",
		SubmitNum:    1,
		RunnerName:   "slurm",
		Script:       "run-model --cycle $CYCLON_CYCLE_POINT",
		Directives:   []graph.KV{{Key: "--partition", Value: "research"}},
		Env:          []graph.KV{{Key: "BASE", Value: "/data"}, {Key: "OUT", Value: "$BASE/out"}},
		JobFilePath:  "/run/demo/jobs/foo/01/job",
		ServerURL:    "http://localhost:8433",
	}
}

func TestRegistryHasBuiltins(t *testing.T) {
	r := NewRegistry()
	assert.Equal(t, []string{"at", "background", "loadleveler", "lsf", "pbs", "sge", "slurm"}, r.Names())

	_, err := r.Lookup("nonesuch")
	assert.Error(t, err)
}

func TestSlurmDirectives(t *testing.T) {
	job := demoJob()
	job.ExecutionTimeLimit = 150 * time.Second
	h := slurmHandler{}

	lines := h.FormatDirectives(job)
	assert.Contains(t, lines, "#SBATCH --job-name=demo.foo.20200101T0000Z")
	assert.Contains(t, lines, "#SBATCH --output=/run/demo/jobs/foo/01/job.out")
	assert.Contains(t, lines, "#SBATCH --time=2:30")
	assert.Contains(t, lines, "#SBATCH --partition=research")

	// A user-supplied --time wins over the derived one.
	job.Directives = append(job.Directives, graph.KV{Key: "--time", Value: "10:00"})
	lines = h.FormatDirectives(job)
	joined := strings.Join(lines, "\n")
	assert.NotContains(t, joined, "--time=2:30")
	assert.Contains(t, joined, "--time=10:00")
}

func TestSlurmJobIDExtraction(t *testing.T) {
	h := slurmHandler{}
	id, err := h.ExtractJobID("Submitted batch job 12345\n", "")
	require.NoError(t, err)
	assert.Equal(t, "12345", id)

	_, err = h.ExtractJobID("something went wrong", "")
	assert.Error(t, err)
}

func TestAtJobIDFromStderr(t *testing.T) {
	h := atHandler{}
	id, err := h.ExtractJobID("", "warning: commands will be executed using /bin/sh\njob 1762 at Wed May 15 00:20:00 2013\n")
	require.NoError(t, err)
	assert.Equal(t, "1762", id)
}

func TestAtPollFilter(t *testing.T) {
	h := atHandler{}
	out := "5347\t2013-11-22 10:24 a daisy\n499\t2013-12-22 16:26 a daisy\n"
	assert.True(t, h.FilterPollOutput(out, "5347"))
	assert.False(t, h.FilterPollOutput(out, "9999"))
}

func TestLsfSubmitReadsStdin(t *testing.T) {
	h := lsfHandler{}
	argv := h.SubmitArgv("/run/job", demoJob())
	assert.Contains(t, strings.Join(argv, " "), "bsub < '/run/job'")

	id, err := h.ExtractJobID("Job <4567> is submitted to default queue <normal>.", "")
	require.NoError(t, err)
	assert.Equal(t, "4567", id)
}

func TestLoadlevelerDirectivesEndWithQueue(t *testing.T) {
	h := loadlevelerHandler{}
	lines := h.FormatDirectives(demoJob())
	require.NotEmpty(t, lines)
	assert.Equal(t, "# @ queue", lines[len(lines)-1])
}

func TestBackgroundTimeLimitWrapsWithTimeout(t *testing.T) {
	h := backgroundHandler{}
	job := demoJob()
	job.ExecutionTimeLimit = 30 * time.Second
	argv := h.SubmitArgv("/run/job", job)
	assert.Contains(t, argv[2], "timeout --signal=XCPU 30")

	job.ExecutionTimeLimit = 0
	argv = h.SubmitArgv("/run/job", job)
	assert.NotContains(t, argv[2], "timeout")
}

func TestBuildScriptFrame(t *testing.T) {
	job := demoJob()
	script := BuildScript(job, slurmHandler{})

	require.True(t, strings.HasPrefix(script, "#!/bin/bash\n"))

	// Directives before environment, environment in declaration order.
	dirIdx := strings.Index(script, "#SBATCH --job-name")
	baseIdx := strings.Index(script, "export BASE='/data'")
	outIdx := strings.Index(script, "export OUT='$BASE/out'")
	require.True(t, dirIdx >= 0 && baseIdx >= 0 && outIdx >= 0)
	assert.Less(t, dirIdx, baseIdx)
	assert.Less(t, baseIdx, outIdx, "environment order must follow declaration order")

	// Fail-signal traps message back; started precedes the body,
	// succeeded follows it.
	assert.Contains(t, script, `trap 'cyclon_message --severity CRITICAL "failed/XCPU"; exit 1' XCPU`)
	startIdx := strings.Index(script, "cyclon_message started")
	bodyIdx := strings.Index(script, "run-model --cycle")
	doneIdx := strings.Index(script, "cyclon_message succeeded")
	assert.Less(t, startIdx, bodyIdx)
	assert.Less(t, bodyIdx, doneIdx)

	// SLURM's fail signals exclude TERM.
	assert.NotContains(t, script, "' TERM")
}

func TestShellQuote(t *testing.T) {
	assert.Equal(t, `'it'\''s'`, shellQuote("it's"))
}
