// Package agenterrors defines the sentinel error kinds the agent's
// components use to signal how a failure should be handled upstream:
// fatal at startup, transient and retryable, or scoped to a single
// instance's lifecycle.
package agenterrors

import "fmt"

// ConfigurationError means the agent cannot start at all: a required
// setting is missing or invalid. Callers should log and exit non-zero.
type ConfigurationError struct {
	Msg string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s", e.Msg)
}

// TransientAPIError wraps a failed control-plane call. It is always
// recoverable by retrying on the next tick; callers should log and
// continue rather than abort.
type TransientAPIError struct {
	Op  string
	Err error
}

func (e *TransientAPIError) Error() string {
	return fmt.Sprintf("control plane request failed (%s): %v", e.Op, e.Err)
}

func (e *TransientAPIError) Unwrap() error { return e.Err }

// DownloadError wraps a failed image tarball download.
type DownloadError struct {
	Artifact string
	Err      error
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("failed to download image for %s: %v", e.Artifact, e.Err)
}

func (e *DownloadError) Unwrap() error { return e.Err }

// ImageError wraps a failed `docker load` of an otherwise successfully
// downloaded tarball.
type ImageError struct {
	Artifact string
	Err      error
}

func (e *ImageError) Error() string {
	return fmt.Sprintf("failed to load image for %s: %v", e.Artifact, e.Err)
}

func (e *ImageError) Unwrap() error { return e.Err }

// ContainerExecutionError wraps a failure from the container runtime
// itself (create, start, stop, remove) once the image is known good.
type ContainerExecutionError struct {
	InstanceID string
	Op         string
	Err        error
}

func (e *ContainerExecutionError) Error() string {
	return fmt.Sprintf("container %s failed for instance %s: %v", e.Op, e.InstanceID, e.Err)
}

func (e *ContainerExecutionError) Unwrap() error { return e.Err }

// InvalidActionError is returned when the engine is asked to handle an
// action type it does not recognize.
type InvalidActionError struct {
	Action string
}

func (e *InvalidActionError) Error() string {
	return fmt.Sprintf("invalid action type: %s", e.Action)
}
