package protocol

import "fmt"

// UnknownCommandError reports a command name that the endpoint's agent does
// not define.
type UnknownCommandError struct {
	AgentID int64
	CmdName string
}

func (e *UnknownCommandError) Error() string {
	return fmt.Sprintf("command %q is not valid for agent %d", e.CmdName, e.AgentID)
}

// UnresolvedUserError represents a user lookup failure.
type UnresolvedUserError struct {
	UserID int64
}

func (e *UnresolvedUserError) Error() string {
	return fmt.Sprintf("user %d does not exist", e.UserID)
}

// UnresolvedEndpointError represents an endpoint lookup failure.
type UnresolvedEndpointError struct {
	EndpointID string
}

func (e *UnresolvedEndpointError) Error() string {
	return fmt.Sprintf("endpoint %s does not exist", e.EndpointID)
}

// UnresolvedAgentError represents an agent lookup failure.
type UnresolvedAgentError struct {
	AgentID int64
}

func (e *UnresolvedAgentError) Error() string {
	return fmt.Sprintf("agent %d does not exist", e.AgentID)
}

// TransportError wraps a failed send or receive. Diagnostics holds whatever
// the transport produced before failing (handler logs, broker errors).
type TransportError struct {
	Op          string // send | receive
	EndpointID  string
	Diagnostics string
	Err         error
}

func (e *TransportError) Error() string {
	if e.Diagnostics != "" {
		return fmt.Sprintf("%s to endpoint %s: %v (%s)", e.Op, e.EndpointID, e.Err, e.Diagnostics)
	}
	return fmt.Sprintf("%s to endpoint %s: %v", e.Op, e.EndpointID, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// DuplicateKeyError is returned by the durable stores when a unique
// identifier has already been stored.
type DuplicateKeyError struct {
	Table string
	Key   string
}

func (e *DuplicateKeyError) Error() string {
	return fmt.Sprintf("%s %s already exists", e.Table, e.Key)
}

// TaskNotFoundError represents a task result lookup failure.
type TaskNotFoundError struct {
	TaskID string
}

func (e *TaskNotFoundError) Error() string {
	return fmt.Sprintf("task %s not found", e.TaskID)
}
