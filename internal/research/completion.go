package research

import "time"

// JobCompletion is the tracked research job's finalization data (§4.10
// Job-completion hook; mirrors state.Job + state.ResearchRunBinding).
type JobCompletion struct {
	RunID       string
	StepID      string
	ProjectRoot string
	RunDir      string
	StdoutPath  string
	MetricsPath string
	StartedAt   time.Time
	FinishedAt  time.Time
	ExitCode    int
}

// HandleJobCompletion implements handleResearchJobCompletion (§4.10
// Job-completion hook): reads metrics.json, appends a registry.jsonl
// entry, clears active.jobId/runId, and requests an auto-step if the
// run was valid and the project is still auto-running.
func HandleJobCompletion(jc JobCompletion, requestAutoStep func()) error {
	s, err := LoadState(jc.ProjectRoot)
	if err != nil {
		return err
	}

	metrics, metricsErr := ReadMetrics(jc.MetricsPath)
	entry := RegistryEntry{
		RunID:       jc.RunID,
		StepID:      jc.StepID,
		StartedAt:   jc.StartedAt,
		FinishedAt:  jc.FinishedAt,
		ExitCode:    jc.ExitCode,
		RunDir:      jc.RunDir,
		StdoutPath:  jc.StdoutPath,
		MetricsPath: jc.MetricsPath,
	}
	if metricsErr != nil {
		entry.Status = "invalid"
		entry.Notes = metricsErr.Error()
	} else {
		entry.Status = "ok"
		entry.Metrics = metrics
	}
	if err := AppendRegistryEntry(jc.ProjectRoot, entry); err != nil {
		return err
	}

	s.Active.JobID = ""
	s.Active.RunID = ""

	if metricsErr != nil {
		s.Status = StatusBlocked
		s.AutoRun = false
		if err := SaveState(jc.ProjectRoot, s); err != nil {
			return err
		}
		appendDigest(jc.ProjectRoot, "run "+jc.RunID+" produced invalid metrics: "+metricsErr.Error())
		return nil
	}

	if err := SaveState(jc.ProjectRoot, s); err != nil {
		return err
	}

	if s.AutoRun && s.Status == StatusRunning && requestAutoStep != nil {
		requestAutoStep()
	}
	return nil
}
