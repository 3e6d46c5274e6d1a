package collab

import (
	"errors"
	"fmt"
)

// the session was already connected or torn down.
// a `Collaborator` joins at most once. create a new one to retry.
var ErrSessionClosed = errors.New("Session closed.")

// the transport could not reach the server or the socket dropped mid session
type ConnectionError struct {
	Op  string
	Err error
}

func (self *ConnectionError) Error() string {
	if self.Err == nil {
		return fmt.Sprintf("Connection failed (%s).", self.Op)
	}
	return fmt.Sprintf("Connection failed (%s): %s", self.Op, self.Err)
}

func (self *ConnectionError) Unwrap() error {
	return self.Err
}

// the server rejected the join request before admitting the user to the room
type JoinDeniedError struct {
	Code    string
	Message string
}

func (self *JoinDeniedError) Error() string {
	if self.Message == "" {
		return fmt.Sprintf("Join denied (%s).", self.Code)
	}
	return fmt.Sprintf("Join denied (%s): %s", self.Code, self.Message)
}

// the server arbitrated the lock to another owner
type LockDeniedError struct {
	ResourceId string
	OwnerId    Id
}

func (self *LockDeniedError) Error() string {
	return fmt.Sprintf("Lock denied for %s: held by %s.", self.ResourceId, self.OwnerId)
}

// the reconnect schedule ran out of attempts
type ReconnectExhaustedError struct {
	Attempts int
	Err      error
}

func (self *ReconnectExhaustedError) Error() string {
	if self.Err == nil {
		return fmt.Sprintf("Reconnect exhausted after %d attempts.", self.Attempts)
	}
	return fmt.Sprintf("Reconnect exhausted after %d attempts: %s", self.Attempts, self.Err)
}

func (self *ReconnectExhaustedError) Unwrap() error {
	return self.Err
}

// the user was removed from the room by the owner
type KickedError struct {
	Reason string
}

func (self *KickedError) Error() string {
	if self.Reason == "" {
		return "Kicked from room."
	}
	return fmt.Sprintf("Kicked from room: %s", self.Reason)
}

// the acknowledgment for a tracked send never arrived inside the deadline
type AckTimeoutError struct {
	TransferId Id
}

func (self *AckTimeoutError) Error() string {
	return fmt.Sprintf("No acknowledgment for transfer %s.", self.TransferId)
}
