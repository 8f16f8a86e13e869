package build

import (
	"errors"
	"fmt"
)

// BuildError is a stage failure that carries no more specific type.
type BuildError struct {
	Stage   State
	Message string
	Err     error
}

func (e *BuildError) Error() string {
	msg := e.Message
	if e.Stage != "" {
		msg = fmt.Sprintf("%s: %s", e.Stage, msg)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *BuildError) Unwrap() error {
	return e.Err
}

// ConfigError reports an invalid or missing option. It is raised before any
// destructive action.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return "invalid configuration: " + e.Message
	}
	return fmt.Sprintf("invalid configuration %s: %s", e.Field, e.Message)
}

// RetrievalError reports a transport failure while fetching distribution files.
type RetrievalError struct {
	Path string
	Err  error
}

func (e *RetrievalError) Error() string {
	return fmt.Sprintf("retrieve %s: %v", e.Path, e.Err)
}

func (e *RetrievalError) Unwrap() error {
	return e.Err
}

// IntegrityReason classifies an IntegrityError.
type IntegrityReason string

const (
	ReasonSignature  IntegrityReason = "signature"
	ReasonMissing    IntegrityReason = "missing checksum"
	ReasonChecksum   IntegrityReason = "checksum mismatch"
	ReasonUnreadable IntegrityReason = "archive unreadable"
)

// IntegrityError reports a manifest or archive that failed verification.
type IntegrityError struct {
	Archive string
	Reason  IntegrityReason
	Err     error
}

func (e *IntegrityError) Error() string {
	subject := "checksum manifest"
	if e.Archive != "" {
		subject = e.Archive
	}
	if e.Err == nil {
		return fmt.Sprintf("integrity: %s: %s", subject, e.Reason)
	}
	return fmt.Sprintf("integrity: %s: %s: %v", subject, e.Reason, e.Err)
}

func (e *IntegrityError) Unwrap() error {
	return e.Err
}

// ChecksumMismatch is the cause of an IntegrityError whose archive digest
// differs from the manifest.
type ChecksumMismatch struct {
	Archive string
	Want    string
	Got     string
}

func (e *ChecksumMismatch) Error() string {
	return fmt.Sprintf("checksum mismatch for %s: want %s, got %s", e.Archive, short(e.Want), short(e.Got))
}

// DeviceError reports a failed binding, partitioning, filesystem, mount or
// boot-install operation.
type DeviceError struct {
	Stage State
	Op    string
	Err   error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Stage, e.Op, e.Err)
}

func (e *DeviceError) Unwrap() error {
	return e.Err
}

// CleanupError reports a failed teardown step. It is logged, never returned
// from a run.
type CleanupError struct {
	Op  string
	Err error
}

func (e *CleanupError) Error() string {
	return fmt.Sprintf("cleanup %s: %v", e.Op, e.Err)
}

func (e *CleanupError) Unwrap() error {
	return e.Err
}

// classify attaches the failing state to errors that carry no taxonomy type.
func classify(state State, err error) error {
	var (
		configErr    *ConfigError
		retrievalErr *RetrievalError
		integrityErr *IntegrityError
		deviceErr    *DeviceError
		buildErr     *BuildError
	)
	switch {
	case errors.As(err, &configErr),
		errors.As(err, &retrievalErr),
		errors.As(err, &integrityErr),
		errors.As(err, &deviceErr),
		errors.As(err, &buildErr):
		return err
	}

	switch state {
	case StateProvisioning, StatePartitioning, StatePopulating, StateInstallingBoot:
		return &DeviceError{Stage: state, Op: "stage failed", Err: err}
	}
	return &BuildError{Stage: state, Message: "stage failed", Err: err}
}

func short(digest string) string {
	if len(digest) > 16 {
		return digest[:16] + "…"
	}
	return digest
}
