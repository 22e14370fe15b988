package jobrunner

import (
	"fmt"
	"strings"
)

// BuildScript assembles the job script frame: shebang, handler directives,
// exported environment in insertion order, fail-signal traps that message
// the scheduler, then the user script body wrapped in started/succeeded
// messages.
func BuildScript(job *Job, handler Handler) string {
	var b strings.Builder
	b.WriteString("#!/bin/bash\n")

	for _, line := range handler.FormatDirectives(job) {
		b.WriteString(line)
		b.WriteString("\n")
	}
	b.WriteString("\n")

	b.WriteString("CYCLON_WORKFLOW=" + shellQuote(job.WorkflowName) + "\n")
	b.WriteString("CYCLON_TASK_ID=" + shellQuote(job.TaskID) + "\n")
	b.WriteString("CYCLON_CYCLE_POINT=" + shellQuote(job.CyclePoint) + "\n")
	b.WriteString(fmt.Sprintf("CYCLON_SUBMIT_NUM=%d\n", job.SubmitNum))
	b.WriteString("CYCLON_SERVER_URL=" + shellQuote(job.ServerURL) + "\n")
	b.WriteString("export CYCLON_WORKFLOW CYCLON_TASK_ID CYCLON_CYCLE_POINT CYCLON_SUBMIT_NUM CYCLON_SERVER_URL\n")

	// User environment, in declaration order: later entries may reference
	// earlier ones.
	for _, kv := range job.Env {
		b.WriteString(fmt.Sprintf("export %s=%s\n", kv.Key, shellQuote(kv.Value)))
	}
	b.WriteString("\n")

	b.WriteString("cyclon_message() {\n")
	b.WriteString("    cyclon message --server \"$CYCLON_SERVER_URL\" --task \"$CYCLON_TASK_ID\" \\\n")
	b.WriteString("        --submit-num \"$CYCLON_SUBMIT_NUM\" \"$@\" || true\n")
	b.WriteString("}\n\n")

	// Trapped failure signals report back before the job dies.
	for _, sig := range handler.FailSignals(job) {
		if sig == "EXIT" || sig == "ERR" {
			continue
		}
		b.WriteString(fmt.Sprintf("trap 'cyclon_message --severity CRITICAL \"failed/%s\"; exit 1' %s\n", sig, sig))
	}
	b.WriteString("set -euo pipefail\n")
	b.WriteString("trap 'cyclon_message --severity CRITICAL \"failed/ERR\"' ERR\n\n")

	b.WriteString("cyclon_message started\n\n")
	b.WriteString("# --- user script ---\n")
	script := strings.TrimSpace(job.Script)
	if script == "" {
		script = "true"
	}
	b.WriteString(script)
	b.WriteString("\n# --- end user script ---\n\n")
	b.WriteString("trap - ERR\n")
	b.WriteString("cyclon_message succeeded\n")
	return b.String()
}

// shellQuote single-quotes a value for safe interpolation into bash.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
