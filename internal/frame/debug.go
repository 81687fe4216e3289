package frame

import (
	"sync"
	"time"
)

const debugErrorCap = 20

type DebugError struct {
	At  time.Time
	Err error
}

// DebugState keeps the most recent background errors for inspection. It is
// cleared whenever the player enters a different territory.
type DebugState struct {
	mu     sync.Mutex
	errors []DebugError
}

func NewDebugState() *DebugState {
	return &DebugState{}
}

func (d *DebugState) RecordError(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.errors = append(d.errors, DebugError{At: time.Now(), Err: err})
	if len(d.errors) > debugErrorCap {
		d.errors = d.errors[len(d.errors)-debugErrorCap:]
	}
}

func (d *DebugState) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.errors = nil
}

func (d *DebugState) Errors() []DebugError {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]DebugError(nil), d.errors...)
}
