package ui

type stepStatus string

const (
	stepPending stepStatus = "pending"
	stepRunning stepStatus = "running"
	stepDone    stepStatus = "done"
	stepFailed  stepStatus = "failed"
)

type stepState struct {
	ID      string
	Title   string
	Status  stepStatus
	Message string
	// Runs counts how many times the step started; retried steps run again.
	Runs int
}

type stepSnapshot struct {
	Steps    []stepState
	Warnings []string
}
