package memrouter

import (
	"errors"
	"fmt"
	"strings"

	"github.com/nidhogg/grace/internal/record"
)

// ErrUnclassified is returned for drafts whose category is unknown.
var ErrUnclassified = errors.New("memory category is not classified")

// MemoryWriteError reports a record that could not be stored.
type MemoryWriteError struct {
	Draft     record.Draft
	Tier      record.Tier
	SessionID string
	Err       error
}

func (e *MemoryWriteError) Error() string {
	return fmt.Sprintf("write %s memory (%s): %v", e.Tier, e.Draft.Category, e.Err)
}

func (e *MemoryWriteError) Unwrap() error { return e.Err }

// MemoryReadError reports that every memory tier failed a read.
type MemoryReadError struct {
	Errs []error
}

func (e *MemoryReadError) Error() string {
	msgs := make([]string, len(e.Errs))
	for i, err := range e.Errs {
		msgs[i] = err.Error()
	}
	return "read memory: " + strings.Join(msgs, "; ")
}

func (e *MemoryReadError) Unwrap() []error { return e.Errs }
