package core

import "github.com/google/uuid"

// NewID generates a process-unique identifier for a materialization
// attempt, execution record, or supervisor incarnation.
func NewID() string {
	return uuid.New().String()
}
