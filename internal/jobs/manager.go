// Package jobs は非同期ジョブ（パスワード再設定の案内配送）の投入と状態管理を提供します。
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

const (
	taskTypePasswordReset = "notify:password_reset"
	queueNotify           = "notify"
)

// Mailer は案内メッセージを配送します。
type Mailer interface {
	SendPasswordReset(ctx context.Context, email, resetURL string) error
}

// LogMailer は配送の代わりにログへ出力する Mailer です。開発環境用です。
type LogMailer struct {
	Logger *log.Logger
}

// SendPasswordReset は再設定URLをログに出力します。
func (m LogMailer) SendPasswordReset(_ context.Context, email, resetURL string) error {
	logger := m.Logger
	if logger == nil {
		logger = log.Default()
	}
	logger.Printf("password reset for %s: %s", email, resetURL)
	return nil
}

type enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
	Close() error
}

// Manager はジョブの投入と状態管理を担います。
type Manager struct {
	client enqueuer
	server *asynq.Server
	mux    *asynq.ServeMux
	store  *Store
	mailer Mailer
	logger *log.Logger
}

// TaskPayload はパスワード再設定ジョブのペイロードです。
type TaskPayload struct {
	JobID    string `json:"jobId"`
	Email    string `json:"email"`
	ResetURL string `json:"resetUrl"`
}

// NewManager は Manager を初期化します。
func NewManager(redisURL string, store *Store, mailer Mailer, logger *log.Logger) (*Manager, error) {
	if store == nil {
		return nil, errors.New("store is nil")
	}
	if mailer == nil {
		return nil, errors.New("mailer is nil")
	}
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	server := asynq.NewServer(
		opt,
		asynq.Config{
			Concurrency: 2,
			Queues: map[string]int{
				queueNotify: 1,
			},
		},
	)
	return newManager(asynq.NewClient(opt), server, store, mailer, logger), nil
}

func newManager(client enqueuer, server *asynq.Server, store *Store, mailer Mailer, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.Default()
	}
	mux := asynq.NewServeMux()
	manager := &Manager{
		client: client,
		server: server,
		mux:    mux,
		store:  store,
		mailer: mailer,
		logger: logger,
	}
	mux.HandleFunc(taskTypePasswordReset, manager.handlePasswordReset)
	return manager
}

// StartWorkers は Asynq サーバーをバックグラウンドで起動します。
func (m *Manager) StartWorkers() {
	if m.server == nil {
		return
	}
	go func() {
		if err := m.server.Run(m.mux); err != nil && !errors.Is(err, asynq.ErrServerClosed) {
			m.logger.Printf("asynq server stopped with error: %v", err)
		}
	}()
}

// Shutdown はサーバーとクライアントを閉じます。
func (m *Manager) Shutdown(ctx context.Context) error {
	if m.server != nil {
		m.server.Shutdown()
	}
	return m.client.Close()
}

// NotifyPasswordReset は再設定案内の配送ジョブを投入し、ジョブIDを返します。
func (m *Manager) NotifyPasswordReset(ctx context.Context, email, resetURL string) (string, error) {
	payload := &TaskPayload{
		JobID:    uuid.NewString(),
		Email:    email,
		ResetURL: resetURL,
	}
	if err := m.Enqueue(ctx, payload); err != nil {
		return "", err
	}
	return payload.JobID, nil
}

// Enqueue はジョブをキューに投入します。
func (m *Manager) Enqueue(ctx context.Context, payload *TaskPayload) error {
	if payload == nil {
		return fmt.Errorf("payload is nil")
	}
	if payload.JobID == "" {
		return fmt.Errorf("payload.JobID is required")
	}

	record := &Record{
		JobID:  payload.JobID,
		Kind:   KindPasswordReset,
		Status: StatusQueued,
	}
	if err := m.store.Upsert(ctx, record); err != nil {
		return err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	task := asynq.NewTask(taskTypePasswordReset, body, asynq.Queue(queueNotify))
	if _, err := m.client.EnqueueContext(ctx, task, asynq.MaxRetry(3), asynq.TaskID(payload.JobID)); err != nil {
		_ = m.store.MarkFailed(ctx, payload.JobID, &ErrorInfo{Code: "ENQUEUE_FAILED", Message: err.Error()})
		return err
	}
	return nil
}

// GetRecord はジョブ情報を取得します。
func (m *Manager) GetRecord(ctx context.Context, jobID string) (*Record, error) {
	return m.store.Get(ctx, jobID)
}

func (m *Manager) handlePasswordReset(ctx context.Context, task *asynq.Task) error {
	var payload TaskPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	if payload.JobID == "" {
		return fmt.Errorf("missing jobId in payload: %w", asynq.SkipRetry)
	}

	if err := m.store.MarkRunning(ctx, payload.JobID); err != nil {
		m.logger.Printf("failed to mark job running job=%s: %v", payload.JobID, err)
	}

	if err := m.mailer.SendPasswordReset(ctx, payload.Email, payload.ResetURL); err != nil {
		if markErr := m.store.MarkFailed(ctx, payload.JobID, &ErrorInfo{
			Code:    "DELIVERY_FAILED",
			Message: err.Error(),
		}); markErr != nil {
			m.logger.Printf("failed to mark job failed job=%s: %v", payload.JobID, markErr)
		}
		return err
	}
	return m.store.MarkDone(ctx, payload.JobID)
}
