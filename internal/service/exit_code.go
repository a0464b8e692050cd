package service

import (
	"fmt"

	"actionworker/internal/model"
)

// ExitStatus is the outcome derived from a container exit code
type ExitStatus struct {
	ExitCode int
	State    model.ActionState
	Cause    string
}

// ClassifyExit maps a container exit code to the final action state
func ClassifyExit(code int) ExitStatus {
	s := ExitStatus{ExitCode: code, State: model.ActionStateFailed}
	switch code {
	case 125:
		s.Cause = "Container failed to run. The docker run command did not execute successfully. " +
			"Please open an issue if the problem persists."
	case 139:
		s.Cause = "Container was terminated by the operating system via SIGSEGV signal. " +
			"This usually happens when the container tries to access memory it is not allowed to access."
	case 143:
		s.Cause = "Container was terminated by the operating system via SIGTERM signal. " +
			"This usually happens when the container is stopped due to approaching time limit."
	case 137:
		s.Cause = "Container was immediately terminated by the operating system via SIGKILL signal. " +
			"This usually happens when the container exceeds the memory limit or reaches the time CPU limit."
	default:
		s.Cause = fmt.Sprintf("Container exited with code %d", code)
		if code == 0 {
			s.State = model.ActionStateDone
		}
	}
	return s
}
