// Package identity は認証状態の購読と、一度だけ解決する現在ユーザー取得を提供します。
package identity

import (
	"context"
	"errors"
	"sync"

	"github.com/gin-gonic/gin"
)

// User はログイン中のユーザーを表します。未ログインは nil で表します。
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// Listener は認証状態の変化を受け取るコールバックです。
// user が nil のときは未ログインを表し、err が非 nil のときは解決に失敗しています。
type Listener func(user *User, err error)

// Provider は認証状態の変化をプッシュで通知する外部プロバイダーです。
// 戻り値の関数で購読を解除します。解除関数は通知中のリスナーの完了を待ってはいけません。
type Provider interface {
	OnAuthStateChanged(ctx context.Context, fn Listener) (unsubscribe func())
}

// ErrNoProvider は Provider が設定されていない場合のエラーです。
var ErrNoProvider = errors.New("identity: provider is nil")

// CurrentUser は Provider を一度だけ購読し、最初の通知で購読を解除してユーザーを返します。
// 二回目以降の通知は捨てられます。
func CurrentUser(ctx context.Context, p Provider) (*User, error) {
	if p == nil {
		return nil, ErrNoProvider
	}

	type outcome struct {
		user *User
		err  error
	}
	done := make(chan outcome, 1)

	var (
		once        sync.Once
		mu          sync.Mutex
		unsubscribe func()
		fired       bool
	)
	release := func() {
		mu.Lock()
		defer mu.Unlock()
		fired = true
		if unsubscribe != nil {
			unsubscribe()
			unsubscribe = nil
		}
	}

	unsub := p.OnAuthStateChanged(ctx, func(user *User, err error) {
		once.Do(func() {
			done <- outcome{user: user, err: err}
			release()
		})
	})

	// 購読直後に同期で通知された場合は、ここで解除する
	mu.Lock()
	if fired {
		if unsub != nil {
			unsub()
		}
	} else {
		unsubscribe = unsub
	}
	mu.Unlock()

	select {
	case res := <-done:
		return res.user, res.err
	case <-ctx.Done():
		release()
		return nil, ctx.Err()
	}
}

// StaticProvider は固定のユーザーを即座に通知する Provider です。テストや内部呼び出し用です。
type StaticProvider struct {
	User *User
	Err  error
}

// OnAuthStateChanged は購読直後に固定値を通知します。
func (s StaticProvider) OnAuthStateChanged(_ context.Context, fn Listener) func() {
	fn(s.User, s.Err)
	return func() {}
}

// ContextUserKey は、ハンドラー間で解決済みユーザーを共有するためのキーです。
const ContextUserKey = "identity.user"

// ToGin は解決済みユーザーを gin コンテキストに保存します。
func ToGin(c *gin.Context, user *User) {
	if user == nil {
		return
	}
	u := *user
	c.Set(ContextUserKey, &u)
}

// FromGin は gin コンテキストから解決済みユーザーを取り出します。
func FromGin(c *gin.Context) (*User, bool) {
	v, ok := c.Get(ContextUserKey)
	if !ok {
		return nil, false
	}
	u, ok := v.(*User)
	return u, ok && u != nil && u.ID != ""
}
