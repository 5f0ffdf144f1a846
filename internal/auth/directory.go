package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	accountKeyPrefix = "account:"
	emailKeyPrefix   = "account-email:"
	resetKeyPrefix   = "reset:"
)

var (
	// ErrAccountNotFound はアカウントが存在しない場合のエラーです。
	ErrAccountNotFound = errors.New("account not found")
	// ErrEmailTaken はメールアドレスが登録済みの場合のエラーです。
	ErrEmailTaken = errors.New("email already registered")
	// ErrResetTokenInvalid はリセットトークンが無効または期限切れの場合のエラーです。
	ErrResetTokenInvalid = errors.New("reset token invalid or expired")
)

// Account は登録済みユーザーです。
type Account struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"passwordHash"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Directory はアカウントとリセットトークンを Redis に保存します。
type Directory struct {
	rdb      *redis.Client
	resetTTL time.Duration
	now      func() time.Time
}

// NewDirectory は Directory を作成します。
func NewDirectory(rdb *redis.Client, resetTTL time.Duration) *Directory {
	return &Directory{
		rdb:      rdb,
		resetTTL: resetTTL,
		now:      time.Now,
	}
}

// NormalizeEmail は比較用にメールアドレスを正規化します。
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Create はアカウントを作成します。メールアドレスが登録済みなら ErrEmailTaken を返します。
func (d *Directory) Create(ctx context.Context, email, passwordHash string) (*Account, error) {
	email = NormalizeEmail(email)
	if email == "" {
		return nil, fmt.Errorf("email is required")
	}

	now := d.now().UTC()
	account := &Account{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: passwordHash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	ok, err := d.rdb.SetNX(ctx, emailKey(email), account.ID, 0).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrEmailTaken
	}

	if err := d.save(ctx, account); err != nil {
		_ = d.rdb.Del(ctx, emailKey(email)).Err()
		return nil, err
	}
	return account, nil
}

// ByID は ID でアカウントを取得します。
func (d *Directory) ByID(ctx context.Context, id string) (*Account, error) {
	if id == "" {
		return nil, ErrAccountNotFound
	}
	data, err := d.rdb.Get(ctx, accountKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	var account Account
	if err := json.Unmarshal(data, &account); err != nil {
		return nil, err
	}
	return &account, nil
}

// ByEmail はメールアドレスでアカウントを取得します。
func (d *Directory) ByEmail(ctx context.Context, email string) (*Account, error) {
	id, err := d.rdb.Get(ctx, emailKey(NormalizeEmail(email))).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return d.ByID(ctx, id)
}

// IssueResetToken はパスワードリセット用のトークンを発行します。
func (d *Directory) IssueResetToken(ctx context.Context, accountID string) (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	token := hex.EncodeToString(buf)
	if err := d.rdb.Set(ctx, resetKey(token), accountID, d.resetTTL).Err(); err != nil {
		return "", err
	}
	return token, nil
}

// ResetPassword はトークンを消費してパスワードハッシュを差し替えます。トークンは一度しか使えません。
func (d *Directory) ResetPassword(ctx context.Context, token, passwordHash string) (*Account, error) {
	if token == "" {
		return nil, ErrResetTokenInvalid
	}
	id, err := d.rdb.GetDel(ctx, resetKey(token)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrResetTokenInvalid
		}
		return nil, err
	}

	account, err := d.ByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return nil, ErrResetTokenInvalid
		}
		return nil, err
	}
	account.PasswordHash = passwordHash
	account.UpdatedAt = d.now().UTC()
	if err := d.save(ctx, account); err != nil {
		return nil, err
	}
	return account, nil
}

func (d *Directory) save(ctx context.Context, account *Account) error {
	payload, err := json.Marshal(account)
	if err != nil {
		return err
	}
	return d.rdb.Set(ctx, accountKey(account.ID), payload, 0).Err()
}

func accountKey(id string) string {
	return accountKeyPrefix + id
}

func emailKey(email string) string {
	return emailKeyPrefix + email
}

func resetKey(token string) string {
	return resetKeyPrefix + token
}
