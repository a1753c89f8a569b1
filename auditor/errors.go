package auditor

import "errors"

var (
	// ErrUploadFailed marks a run aborted because a session file ended in
	// the failed state.
	ErrUploadFailed = errors.New("file upload failed")

	// ErrUploadTimeout marks a run aborted because a session file was still
	// pending or uploading past the drain timeout.
	ErrUploadTimeout = errors.New("upload wait timed out")

	// ErrStageCall marks a generation-service call that errored or returned
	// unusable output.
	ErrStageCall = errors.New("stage call failed")
)
