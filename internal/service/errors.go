package service

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidState is returned when a document is not in a state that allows the operation.
	ErrInvalidState = errors.New("invalid state")
	// ErrConflict is returned once write conflicts outlast the retry budget.
	// Nothing was committed; resubmitting the same request is safe.
	ErrConflict = errors.New("conflict, please retry")
	// ErrTimeout is returned when one transaction attempt exceeds its wall-clock budget.
	ErrTimeout = errors.New("transaction timed out, please retry")
)

type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError lists every problem found in a request before any transaction starts.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) add(field string, format string, args ...any) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
}

func (e *ValidationError) orNil() error {
	if len(e.Fields) == 0 {
		return nil
	}
	return e
}

type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}
