package jobs

import "time"

// Status はジョブの実行状態を表します。
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "done"
	StatusFailed    Status = "error"
)

// Kind はジョブの種別を表します。
type Kind string

const (
	KindPasswordReset Kind = "password_reset"
)

// ErrorInfo はジョブ失敗時のエラー情報を保持します。
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Record はジョブの現在状態を表します。宛先などの個人情報は保存しません。
type Record struct {
	JobID     string     `json:"jobId"`
	Kind      Kind       `json:"kind"`
	Status    Status     `json:"status"`
	Attempts  int        `json:"attempts"`
	Error     *ErrorInfo `json:"error,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
	ExpiresAt time.Time  `json:"expiresAt"`
}
