package gdwhisper

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors matched by the typed errors below through errors.Is.
//
//	if errors.Is(err, gdwhisper.ErrNotFound) {
//		fmt.Println("nothing to download")
//	}
var (
	ErrAuthorization = errors.New("authorization failed")
	ErrLookup        = errors.New("resource listing unavailable")
	ErrNotFound      = errors.New("not found")
	ErrTransfer      = errors.New("transfer failed")
	ErrConflict      = errors.New("conflicting resources")
	ErrInvalidInput  = errors.New("invalid input")
)

// AuthError is returned when the service account credential cannot be read
// or the remote service rejects the token exchange.
type AuthError struct {
	Op  string
	Err error
}

func (err *AuthError) Error() string {
	return fmt.Sprintf("authorize %s: %v", err.Op, err.Err)
}

func (err *AuthError) Unwrap() error { return err.Err }

func (err *AuthError) Is(target error) bool { return target == ErrAuthorization }

// LookupError is returned when a listing call fails or returns no usable result.
type LookupError struct {
	FolderID string
	Query    string
	Err      error
}

func (err *LookupError) Error() string {
	if err.Err == nil {
		return fmt.Sprintf("folder_id:%s resource listing unavailable", err.FolderID)
	}
	return fmt.Sprintf("folder_id:%s resource listing unavailable: %v", err.FolderID, err.Err)
}

func (err *LookupError) Unwrap() error { return err.Err }

func (err *LookupError) Is(target error) bool { return target == ErrLookup }

// NotFoundError is returned when an expected local file is missing or a
// remote listing has no matching resources.
type NotFoundError struct {
	Kind   string
	Target string
	Err    error
}

func (err *NotFoundError) Error() string {
	msg := fmt.Sprintf("%s not found: %s", err.Kind, err.Target)
	if err.Err != nil {
		msg += ": " + err.Err.Error()
	}
	return msg
}

func (err *NotFoundError) Unwrap() error { return err.Err }

func (err *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// TransferError is returned when a content stream fails mid-transfer.
type TransferError struct {
	Op   string
	Name string
	ID   string
	Err  error
}

func (err *TransferError) Error() string {
	if err.ID == "" {
		return fmt.Sprintf("%s %s: %v", err.Op, err.Name, err.Err)
	}
	return fmt.Sprintf("%s %s (file_id:%s): %v", err.Op, err.Name, err.ID, err.Err)
}

func (err *TransferError) Unwrap() error { return err.Err }

func (err *TransferError) Is(target error) bool { return target == ErrTransfer }

// ConflictError is returned when more than one resource shares a name in a
// folder after a publish, which happens when publishers race on different hosts.
type ConflictError struct {
	FolderID string
	Name     string
	IDs      []string
}

func (err *ConflictError) Error() string {
	return fmt.Sprintf("folder_id:%s has %d resources named %q: %s", err.FolderID, len(err.IDs), err.Name, strings.Join(err.IDs, ","))
}

func (err *ConflictError) Is(target error) bool { return target == ErrConflict }
