package auth

import (
	"context"
	"errors"

	"github.com/yourusername/turnup/internal/identity"
)

// AccountLookup は ID からアカウントを引く機能です。
type AccountLookup interface {
	ByID(ctx context.Context, id string) (*Account, error)
}

// sessionProvider はセッションのユーザーIDをアカウント台帳で確認して通知する identity.Provider です。
type sessionProvider struct {
	accounts AccountLookup
	userID   string
}

// OnAuthStateChanged は非同期に一度だけ認証状態を通知します。
func (p *sessionProvider) OnAuthStateChanged(ctx context.Context, fn identity.Listener) func() {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		user, err := p.resolve(ctx)
		if ctx.Err() != nil {
			return
		}
		fn(user, err)
	}()
	return cancel
}

func (p *sessionProvider) resolve(ctx context.Context) (*identity.User, error) {
	if p.userID == "" {
		return nil, nil
	}
	account, err := p.accounts.ByID(ctx, p.userID)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &identity.User{ID: account.ID, Email: account.Email}, nil
}
