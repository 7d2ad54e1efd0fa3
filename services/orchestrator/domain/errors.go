// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the access orchestrator.
var (
	// ErrValidation indicates malformed tool arguments or request fields.
	// Surfaced to the agent as a recoverable tool error.
	ErrValidation = errors.New("validation failed")

	// ErrResolution indicates an unknown application, directory or workspace.
	// Fatal for the turn.
	ErrResolution = errors.New("resolution failed")

	// ErrProvisioning indicates the provisioning backend failed.
	// Non-fatal: the conversation stays open for a retry.
	ErrProvisioning = errors.New("provisioning failed")

	// ErrTicket indicates the ticket or notification backend failed.
	// Non-fatal: the conversation stays open for a retry.
	ErrTicket = errors.New("ticket dispatch failed")

	// ErrPersistence indicates a store was unreachable or rejected a write.
	// Fatal: the turn aborts without mutating status.
	ErrPersistence = errors.New("persistence failed")

	// ErrGuardrailIndeterminate indicates the guardrail check itself failed.
	// The race fails open when this happens.
	ErrGuardrailIndeterminate = errors.New("guardrail indeterminate")

	// ErrTerminalConversation indicates a state-changing call on a
	// conversation that already reached a terminal status.
	ErrTerminalConversation = errors.New("conversation is terminal")

	// ErrInvalidStatusTransition indicates a status change the status
	// machine does not allow.
	ErrInvalidStatusTransition = errors.New("invalid status transition")

	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")
)

// ValidationError describes one invalid argument or field.
type ValidationError struct {
	// Field is the argument or field that failed validation.
	Field string

	// Message describes the failure.
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", ErrValidation, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", ErrValidation, e.Field, e.Message)
}

// Unwrap lets errors.Is match ErrValidation.
func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// NewValidationError constructs a ValidationError.
func NewValidationError(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// ResolutionError names the entity that could not be resolved.
type ResolutionError struct {
	// Kind is "application", "directory", "workspace" or "conversation".
	Kind string

	// Name is the name or id that failed to resolve.
	Name string

	// WorkspaceID scopes the lookup.
	WorkspaceID string
}

// Error implements the error interface.
func (e *ResolutionError) Error() string {
	return fmt.Sprintf("%s: unknown %s %q in workspace %s", ErrResolution, e.Kind, e.Name, e.WorkspaceID)
}

// Unwrap lets errors.Is match ErrResolution.
func (e *ResolutionError) Unwrap() error {
	return ErrResolution
}

// NewResolutionError constructs a ResolutionError.
func NewResolutionError(kind, name, workspaceID string) *ResolutionError {
	return &ResolutionError{Kind: kind, Name: name, WorkspaceID: workspaceID}
}

// PersistenceError wraps a storage failure with the operation that failed.
type PersistenceError struct {
	Op  string
	Err error
}

// Error implements the error interface.
func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrPersistence, e.Op, e.Err)
}

// Unwrap returns both the sentinel and the cause.
func (e *PersistenceError) Unwrap() []error {
	return []error{ErrPersistence, e.Err}
}

// Persistence wraps err as a PersistenceError. It returns nil for a nil
// err and leaves errors that already carry ErrPersistence untouched.
func Persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrPersistence) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}

// IsFatal reports whether err must abort the turn instead of being fed
// back to the agent as a tool error.
func IsFatal(err error) bool {
	return errors.Is(err, ErrPersistence) || errors.Is(err, ErrResolution)
}
