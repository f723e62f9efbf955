package domain

import (
	"errors"
	"fmt"
)

var (
	ErrDevice            = errors.New("device unavailable")
	ErrTransport         = errors.New("transport failure")
	ErrAuth              = errors.New("messaging login failed")
	ErrChannel           = errors.New("messaging channel join failed")
	ErrPublish           = errors.New("message publish failed")
	ErrDisconnect        = errors.New("connection lost")
	ErrNoFrame           = errors.New("no video frame available")
	ErrInvalidTransition = errors.New("invalid stage transition")
	ErrUnknownStage      = errors.New("unknown stage")
	ErrRunInProgress     = errors.New("diagnostics run in progress")
	ErrClosed            = errors.New("sequencer closed")
	ErrReportNotFound    = errors.New("report not found")
)

// ErrorCode is the machine readable code attached to a stage failure.
type ErrorCode string

const (
	CodeBrowserUnsupported ErrorCode = "BROWSER_001"
	CodeMicrophoneAccess   ErrorCode = "MIC_001"
	CodeMicrophoneVolume   ErrorCode = "MIC_002"
	CodeSpeaker            ErrorCode = "SPK_001"
	CodeCameraAccess       ErrorCode = "CAM_001"
	CodeResolution         ErrorCode = "RES_001"
	CodeNetwork            ErrorCode = "NET_001"
	CodeMessagingLogin     ErrorCode = "RTM_001"
	CodeMessagingChannel   ErrorCode = "RTM_002"
	CodeMessagingPublish   ErrorCode = "RTM_003"
)

// StageError describes a provider failure. Kind is one of the sentinel
// errors above so callers can match with errors.Is.
type StageError struct {
	Kind error
	Code ErrorCode
	Op   string
	Err  error
}

func (e *StageError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *StageError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Reason is the message shown to the user in a stage's extra text.
func (e *StageError) Reason() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Kind.Error()
}

func NewDeviceError(op string, code ErrorCode, err error) *StageError {
	return &StageError{Kind: ErrDevice, Code: code, Op: op, Err: err}
}

func NewTransportError(op string, err error) *StageError {
	return &StageError{Kind: ErrTransport, Code: CodeNetwork, Op: op, Err: err}
}

func NewAuthError(op string, err error) *StageError {
	return &StageError{Kind: ErrAuth, Code: CodeMessagingLogin, Op: op, Err: err}
}

func NewChannelError(op string, err error) *StageError {
	return &StageError{Kind: ErrChannel, Code: CodeMessagingChannel, Op: op, Err: err}
}

func NewPublishError(op string, err error) *StageError {
	return &StageError{Kind: ErrPublish, Code: CodeMessagingPublish, Op: op, Err: err}
}

// ErrorReason extracts the user facing reason from any error.
func ErrorReason(err error) string {
	if err == nil {
		return ""
	}
	var se *StageError
	if errors.As(err, &se) {
		return se.Reason()
	}
	return err.Error()
}
