package roster

import "fmt"

// Error は利用者向けのエラーコードとメッセージを保持します。
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func newError(code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

const (
	CodeInvalidFileType      = "INVALID_FILE_TYPE"
	CodeInvalidInput         = "INVALID_INPUT"
	CodeLimitExceeded        = "LIMIT_EXCEEDED"
	CodeUploadInProgress     = "UPLOAD_IN_PROGRESS"
	CodeConfirmationRequired = "CONFIRMATION_REQUIRED"
)
