// Package uuid provides ID generation helpers.
package uuid

import (
	"fmt"
	"strconv"

	"github.com/google/uuid"
)

// taskNamespace scopes deterministic task IDs.
var taskNamespace = uuid.MustParse("6f1c2a53-8d0e-4b7a-9a43-2f4a8c1d9e07")

// Generator creates UUID v7 strings.
type Generator struct{}

// NewUUIDGenerator creates a new Generator.
func NewUUIDGenerator() *Generator {
	return &Generator{}
}

// NewID returns a UUID7 string.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}

// TaskID returns a stable UUIDv5 for a task name and argument, so the same
// unit of work always maps to the same queue dedupe key.
func TaskID(name string, arg int64) string {
	return uuid.NewSHA1(taskNamespace, []byte(name+":"+strconv.FormatInt(arg, 10))).String()
}

// RequestID returns a random UUID used to correlate one HTTP request.
func RequestID() string {
	return uuid.NewString()
}

// Valid reports whether s parses as a UUID.
func Valid(s string) bool {
	return uuid.Validate(s) == nil
}
