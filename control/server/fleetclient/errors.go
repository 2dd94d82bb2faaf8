package fleetclient

import (
	"errors"
	"fmt"
)

var ErrAgentNotFound = errors.New("agent not found")

// ConnectivityError means the controller could not be reached or did not
// report itself healthy.
type ConnectivityError struct {
	Op  string
	Err error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("controller %s: %v", e.Op, e.Err)
}

func (e *ConnectivityError) Unwrap() error {
	return e.Err
}

// APIError is a controller response with a non-success HTTP status or
// envelope code.
type APIError struct {
	Code    int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("controller returned code %d", e.Code)
	}
	return fmt.Sprintf("controller returned code %d: %s", e.Code, e.Message)
}
