package jobrunner

import (
	"fmt"
	"regexp"
	"strings"

	cerrors "cyclon/internal/errors"
	"cyclon/internal/graph"
)

// backgroundHandler runs job scripts as detached background processes in
// their own process group. If an execution time limit is set the script is
// wrapped by the timeout command.
type backgroundHandler struct{}

func (backgroundHandler) Name() string            { return "background" }
func (backgroundHandler) DirectivePrefix() string { return "# " }

func (backgroundHandler) FormatDirectives(*Job) []string { return nil }

func (backgroundHandler) SubmitArgv(jobFile string, job *Job) []string {
	run := jobFile
	if job.ExecutionTimeLimit > 0 {
		run = fmt.Sprintf("timeout --signal=XCPU %d %s", int(job.ExecutionTimeLimit.Seconds()), jobFile)
	}
	// setsid detaches the job as a process group leader so the whole
	// group can be signalled on kill.
	cmd := fmt.Sprintf("nohup setsid %s >'%s.out' 2>'%s.err' </dev/null & echo $!",
		run, jobFile, jobFile)
	return []string{"bash", "-c", cmd}
}

var bgIDPattern = regexp.MustCompile(`\A(\d+)\s*\z`)

func (backgroundHandler) ExtractJobID(stdout, _ string) (string, error) {
	m := bgIDPattern.FindStringSubmatch(stdout)
	if m == nil {
		return "", cerrors.New(cerrors.KindRunner, "no pid in submit output %q", stdout)
	}
	return m[1], nil
}

func (backgroundHandler) KillArgv(jobID string) []string {
	return []string{"bash", "-c", "kill -TERM -- -" + jobID}
}

func (backgroundHandler) PollArgv(jobID string) []string {
	return []string{"ps", "-o", "pid=", "-p", jobID}
}

func (backgroundHandler) FilterPollOutput(out, jobID string) bool {
	for _, line := range strings.Split(out, "\n") {
		if strings.TrimSpace(line) == jobID {
			return true
		}
	}
	return false
}

func (backgroundHandler) ShouldKillProcGroup() bool { return true }
func (backgroundHandler) FailSignals(*Job) []string { return []string{"EXIT", "ERR", "TERM", "XCPU"} }

// atHandler submits through the simple "at" scheduler. The atd daemon must
// be running. The job id arrives on stderr.
type atHandler struct{}

func (atHandler) Name() string            { return "at" }
func (atHandler) DirectivePrefix() string { return "# " }

func (atHandler) FormatDirectives(*Job) []string { return nil }

func (atHandler) SubmitArgv(jobFile string, _ *Job) []string {
	// setsid puts the job script in its own process group so kill can
	// reach its children too.
	cmd := fmt.Sprintf("echo \"setsid %s 1>'%s.out' 2>'%s.err'\" | at now", jobFile, jobFile, jobFile)
	return []string{"bash", "-c", cmd}
}

var atIDPattern = regexp.MustCompile(`\Ajob\s(\S+)\sat`)

func (atHandler) ExtractJobID(_, stderr string) (string, error) {
	for _, line := range strings.Split(stderr, "\n") {
		if m := atIDPattern.FindStringSubmatch(line); m != nil {
			return m[1], nil
		}
	}
	return "", cerrors.New(cerrors.KindRunner, "no job id in at submit output")
}

func (atHandler) KillArgv(jobID string) []string { return []string{"atrm", jobID} }
func (atHandler) PollArgv(string) []string       { return []string{"atq"} }

func (atHandler) FilterPollOutput(out, jobID string) bool {
	// atq lines look like "1762 Wed May 15 00:20:00 2013 = hilary";
	// the job is queued or running if its id matches column one.
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) > 0 && fields[0] == jobID {
			return true
		}
	}
	return false
}

func (atHandler) ShouldKillProcGroup() bool { return true }
func (atHandler) FailSignals(*Job) []string { return []string{"EXIT", "ERR", "TERM"} }

// slurmHandler drives SLURM through sbatch/scancel/squeue.
type slurmHandler struct{}

func (slurmHandler) Name() string            { return "slurm" }
func (slurmHandler) DirectivePrefix() string { return "#SBATCH " }

func (h slurmHandler) FormatDirectives(job *Job) []string {
	directives := []graph.KV{
		{Key: "--job-name", Value: job.WorkflowName + "." + job.TaskID},
		{Key: "--output", Value: strings.ReplaceAll(job.JobFilePath, "%", "%%") + ".out"},
		{Key: "--error", Value: strings.ReplaceAll(job.JobFilePath, "%", "%%") + ".err"},
	}
	if job.ExecutionTimeLimit > 0 && !hasDirective(job, "--time") {
		mins := int(job.ExecutionTimeLimit.Minutes())
		secs := int(job.ExecutionTimeLimit.Seconds()) % 60
		directives = append(directives, graph.KV{Key: "--time", Value: fmt.Sprintf("%d:%02d", mins, secs)})
	}
	directives = append(directives, job.Directives...)
	return renderDirectives(h.DirectivePrefix(), directives, "=")
}

func (slurmHandler) SubmitArgv(jobFile string, _ *Job) []string {
	return []string{"sbatch", jobFile}
}

var slurmIDPattern = regexp.MustCompile(`\ASubmitted\sbatch\sjob\s(\d+)`)

func (slurmHandler) ExtractJobID(stdout, _ string) (string, error) {
	if m := slurmIDPattern.FindStringSubmatch(stdout); m != nil {
		return m[1], nil
	}
	return "", cerrors.New(cerrors.KindRunner, "no job id in sbatch output %q", stdout)
}

func (slurmHandler) KillArgv(jobID string) []string { return []string{"scancel", jobID} }

func (slurmHandler) PollArgv(jobID string) []string {
	return []string{"squeue", "-h", "-j", jobID}
}

func (slurmHandler) FilterPollOutput(out, _ string) bool {
	// squeue -h -j JOB_ID prints nothing (or exits non-zero) once the job
	// has left the system.
	return strings.TrimSpace(out) != ""
}

func (slurmHandler) ShouldKillProcGroup() bool { return false }

// No TERM trap: SLURM signals the parent script directly with SIGTERM and
// bash would wait on the unsignalled child.
func (slurmHandler) FailSignals(*Job) []string { return []string{"EXIT", "ERR", "XCPU"} }

// pbsHandler drives PBS/Torque through qsub/qdel/qstat.
type pbsHandler struct{}

func (pbsHandler) Name() string            { return "pbs" }
func (pbsHandler) DirectivePrefix() string { return "#PBS " }

func (h pbsHandler) FormatDirectives(job *Job) []string {
	// PBS job names are length-limited; keep the task id tail.
	name := job.WorkflowName + "." + job.TaskID
	if len(name) > 236 {
		name = name[len(name)-236:]
	}
	directives := []graph.KV{
		{Key: "-N", Value: name},
		{Key: "-o", Value: job.JobFilePath + ".out"},
		{Key: "-e", Value: job.JobFilePath + ".err"},
	}
	if job.ExecutionTimeLimit > 0 && !hasDirective(job, "-l walltime") {
		directives = append(directives, graph.KV{
			Key: "-l walltime", Value: fmt.Sprintf("%d", int(job.ExecutionTimeLimit.Seconds())),
		})
	}
	directives = append(directives, job.Directives...)
	return renderDirectives(h.DirectivePrefix(), directives, " ")
}

func (pbsHandler) SubmitArgv(jobFile string, _ *Job) []string {
	return []string{"qsub", jobFile}
}

func (pbsHandler) ExtractJobID(stdout, _ string) (string, error) {
	id := strings.TrimSpace(stdout)
	if id == "" {
		return "", cerrors.New(cerrors.KindRunner, "no job id in qsub output")
	}
	return strings.Fields(id)[0], nil
}

func (pbsHandler) KillArgv(jobID string) []string { return []string{"qdel", jobID} }
func (pbsHandler) PollArgv(jobID string) []string { return []string{"qstat", jobID} }

func (pbsHandler) FilterPollOutput(out, jobID string) bool {
	// qstat JOB_ID shows a table line whose first column starts with the
	// numeric part of the id.
	head, _, _ := strings.Cut(jobID, ".")
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) > 0 && strings.HasPrefix(fields[0], head) {
			return true
		}
	}
	return false
}

func (pbsHandler) ShouldKillProcGroup() bool { return false }
func (pbsHandler) FailSignals(*Job) []string { return []string{"EXIT", "ERR", "TERM", "XCPU"} }

// sgeHandler drives Sun/Univa Grid Engine through qsub/qdel/qstat.
type sgeHandler struct{}

func (sgeHandler) Name() string            { return "sge" }
func (sgeHandler) DirectivePrefix() string { return "#$ " }

func (h sgeHandler) FormatDirectives(job *Job) []string {
	directives := []graph.KV{
		{Key: "-N", Value: job.WorkflowName + "." + job.TaskID},
		{Key: "-o", Value: job.JobFilePath + ".out"},
		{Key: "-e", Value: job.JobFilePath + ".err"},
	}
	if job.ExecutionTimeLimit > 0 && !hasDirective(job, "-l h_rt") {
		limit := int(job.ExecutionTimeLimit.Seconds())
		directives = append(directives, graph.KV{
			Key: "-l h_rt", Value: fmt.Sprintf("%d:%02d:%02d", limit/3600, limit%3600/60, limit%60),
		})
	}
	directives = append(directives, job.Directives...)
	return renderDirectives(h.DirectivePrefix(), directives, " ")
}

func (sgeHandler) SubmitArgv(jobFile string, _ *Job) []string {
	return []string{"qsub", jobFile}
}

var sgeIDPattern = regexp.MustCompile(`\AYour\sjob\s(\d+)`)

func (sgeHandler) ExtractJobID(stdout, _ string) (string, error) {
	for _, line := range strings.Split(stdout, "\n") {
		if m := sgeIDPattern.FindStringSubmatch(line); m != nil {
			return m[1], nil
		}
	}
	return "", cerrors.New(cerrors.KindRunner, "no job id in qsub output %q", stdout)
}

func (sgeHandler) KillArgv(jobID string) []string { return []string{"qdel", jobID} }
func (sgeHandler) PollArgv(string) []string       { return []string{"qstat"} }

func (sgeHandler) FilterPollOutput(out, jobID string) bool {
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) > 0 && fields[0] == jobID {
			return true
		}
	}
	return false
}

func (sgeHandler) ShouldKillProcGroup() bool { return false }
func (sgeHandler) FailSignals(*Job) []string { return []string{"EXIT", "ERR", "TERM", "XCPU"} }

// lsfHandler drives IBM LSF through bsub/bkill/bjobs. bsub reads the job
// script from stdin.
type lsfHandler struct{}

func (lsfHandler) Name() string            { return "lsf" }
func (lsfHandler) DirectivePrefix() string { return "#BSUB " }

func (h lsfHandler) FormatDirectives(job *Job) []string {
	directives := []graph.KV{
		{Key: "-J", Value: job.WorkflowName + "." + job.TaskID},
		{Key: "-o", Value: job.JobFilePath + ".out"},
		{Key: "-e", Value: job.JobFilePath + ".err"},
	}
	if job.ExecutionTimeLimit > 0 && !hasDirective(job, "-W") {
		directives = append(directives, graph.KV{
			Key: "-W", Value: fmt.Sprintf("%d", int(job.ExecutionTimeLimit.Minutes())+1),
		})
	}
	directives = append(directives, job.Directives...)
	return renderDirectives(h.DirectivePrefix(), directives, " ")
}

func (lsfHandler) SubmitArgv(jobFile string, _ *Job) []string {
	return []string{"bash", "-c", fmt.Sprintf("bsub < '%s'", jobFile)}
}

var lsfIDPattern = regexp.MustCompile(`Job\s<(\d+)>`)

func (lsfHandler) ExtractJobID(stdout, _ string) (string, error) {
	if m := lsfIDPattern.FindStringSubmatch(stdout); m != nil {
		return m[1], nil
	}
	return "", cerrors.New(cerrors.KindRunner, "no job id in bsub output %q", stdout)
}

func (lsfHandler) KillArgv(jobID string) []string { return []string{"bkill", jobID} }

func (lsfHandler) PollArgv(jobID string) []string {
	return []string{"bjobs", "-noheader", jobID}
}

func (lsfHandler) FilterPollOutput(out, jobID string) bool {
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) > 0 && fields[0] == jobID {
			return true
		}
	}
	return false
}

func (lsfHandler) ShouldKillProcGroup() bool { return false }
func (lsfHandler) FailSignals(*Job) []string { return []string{"EXIT", "ERR", "TERM", "XCPU"} }

// loadlevelerHandler drives IBM LoadLeveler through llsubmit/llcancel/llq.
type loadlevelerHandler struct{}

func (loadlevelerHandler) Name() string            { return "loadleveler" }
func (loadlevelerHandler) DirectivePrefix() string { return "# @ " }

func (h loadlevelerHandler) FormatDirectives(job *Job) []string {
	directives := []graph.KV{
		{Key: "job_name", Value: job.WorkflowName + "." + job.TaskID},
		{Key: "output", Value: job.JobFilePath + ".out"},
		{Key: "error", Value: job.JobFilePath + ".err"},
	}
	if job.ExecutionTimeLimit > 0 && !hasDirective(job, "wall_clock_limit") {
		limit := int(job.ExecutionTimeLimit.Seconds())
		directives = append(directives, graph.KV{
			Key: "wall_clock_limit", Value: fmt.Sprintf("%d,%d", limit+60, limit),
		})
	}
	directives = append(directives, job.Directives...)
	lines := renderDirectives(h.DirectivePrefix(), directives, " = ")
	return append(lines, h.DirectivePrefix()+"queue")
}

func (loadlevelerHandler) SubmitArgv(jobFile string, _ *Job) []string {
	return []string{"llsubmit", jobFile}
}

var llIDPattern = regexp.MustCompile(`llsubmit:\sThe\sjob\s"(\S+)"`)

func (loadlevelerHandler) ExtractJobID(stdout, _ string) (string, error) {
	if m := llIDPattern.FindStringSubmatch(stdout); m != nil {
		return m[1], nil
	}
	return "", cerrors.New(cerrors.KindRunner, "no job id in llsubmit output %q", stdout)
}

func (loadlevelerHandler) KillArgv(jobID string) []string { return []string{"llcancel", jobID} }
func (loadlevelerHandler) PollArgv(string) []string       { return []string{"llq", "-f", "%id"} }

func (loadlevelerHandler) FilterPollOutput(out, jobID string) bool {
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), jobID) {
			return true
		}
	}
	return false
}

func (loadlevelerHandler) ShouldKillProcGroup() bool { return false }
func (loadlevelerHandler) FailSignals(*Job) []string { return []string{"EXIT", "ERR", "TERM", "XCPU"} }

// hasDirective reports whether the user already supplied the directive.
func hasDirective(job *Job, key string) bool {
	for _, kv := range job.Directives {
		if kv.Key == key {
			return true
		}
	}
	return false
}

// renderDirectives formats key/value directives preserving order. Keys
// with empty values render bare.
func renderDirectives(prefix string, directives []graph.KV, sep string) []string {
	lines := make([]string, 0, len(directives))
	for _, kv := range directives {
		if kv.Value == "" {
			lines = append(lines, prefix+kv.Key)
			continue
		}
		lines = append(lines, prefix+kv.Key+sep+kv.Value)
	}
	return lines
}
