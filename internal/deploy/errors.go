package deploy

import (
	"errors"
	"fmt"
	"strings"
)

// ErrHostNotInInventory is wrapped by ConnectionError when the inventory
// does not list a rule's source host.
var ErrHostNotInInventory = errors.New("host not in inventory")

// DispatchFailure reports a command that ran but exited non-zero or wrote
// to stderr.
type DispatchFailure struct {
	Host       string
	Command    string
	ExitStatus int
	Stderr     []string
}

func (e *DispatchFailure) Error() string {
	msg := fmt.Sprintf("command on %s exited with status %d", e.Host, e.ExitStatus)
	if len(e.Stderr) > 0 {
		msg += ": " + strings.Join(e.Stderr, "; ")
	}
	return msg
}

// ConnectionError reports that a host could not be reached, either because
// the inventory could not supply its parameters or the channel failed.
type ConnectionError struct {
	Host string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connecting to %s: %v", e.Host, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }
