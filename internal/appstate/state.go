// Package appstate はユーザーごとのワークスペース(名簿・出席・表示中ページ)を保持します。
//
// 書き込みの担当は次の通りです。
//   - ユーザーID/メールアドレス: ナビゲーションガードのみが Bind で書き込む
//   - 名簿・出席: 各ワークスペースの roster.Store / attendance.Sheet が管理する
//   - 表示中ページ: API ハンドラーが SetPage で書き込む
package appstate

import (
	"fmt"
	"sync"
	"time"

	"github.com/yourusername/turnup/internal/attendance"
	"github.com/yourusername/turnup/internal/identity"
	"github.com/yourusername/turnup/internal/roster"
)

// Page は表示中のパネルを表します。
type Page string

const (
	PageScanner   Page = "scanner"
	PageGenerator Page = "generator"
	PageSummary   Page = "summary"
)

// ParsePage は文字列を Page に変換します。
func ParsePage(s string) (Page, error) {
	switch p := Page(s); p {
	case PageScanner, PageGenerator, PageSummary:
		return p, nil
	default:
		return "", fmt.Errorf("unknown page %q", s)
	}
}

// Workspace は1ユーザー分の状態です。
type Workspace struct {
	Roster     *roster.Store
	Attendance *attendance.Sheet

	mu       sync.RWMutex
	user     identity.User
	page     Page
	lastSeen time.Time
}

// User はガードが最後に書き込んだユーザー情報を返します。
func (w *Workspace) User() identity.User {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.user
}

// Page は表示中のページを返します。
func (w *Workspace) Page() Page {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.page
}

// SetPage は表示中のページを切り替えます。
func (w *Workspace) SetPage(p Page) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.page = p
}

// Registry はユーザーIDごとの Workspace を保持します。
type Registry struct {
	maxRosterBytes int64
	now            func() time.Time

	mu         sync.Mutex
	workspaces map[string]*Workspace
}

// NewRegistry は Registry を作成します。
func NewRegistry(maxRosterBytes int64) *Registry {
	return &Registry{
		maxRosterBytes: maxRosterBytes,
		now:            time.Now,
		workspaces:     make(map[string]*Workspace),
	}
}

// Bind は解決済みユーザーの ID/メールアドレスをワークスペースに書き込みます。
// ワークスペースがなければ作成します。
func (r *Registry) Bind(user identity.User) *Workspace {
	r.mu.Lock()
	defer r.mu.Unlock()

	ws, ok := r.workspaces[user.ID]
	if !ok {
		store := roster.NewStore(roster.WithMaxBytes(r.maxRosterBytes), roster.WithClock(r.now))
		ws = &Workspace{
			Roster:     store,
			Attendance: attendance.NewSheet(store, r.now),
			page:       PageScanner,
		}
		r.workspaces[user.ID] = ws
	}

	ws.mu.Lock()
	ws.user = user
	ws.lastSeen = r.now()
	ws.mu.Unlock()
	return ws
}

// Get はユーザーIDのワークスペースを返します。
func (r *Registry) Get(userID string) (*Workspace, bool) {
	if userID == "" {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	ws, ok := r.workspaces[userID]
	return ws, ok
}

// Forget はワークスペースを破棄します。ログアウト時に使います。
func (r *Registry) Forget(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.workspaces, userID)
}

// Prune は idle より長く使われていないワークスペースを破棄し、破棄した数を返します。
func (r *Registry) Prune(idle time.Duration) int {
	cutoff := r.now().Add(-idle)
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, ws := range r.workspaces {
		ws.mu.RLock()
		stale := ws.lastSeen.Before(cutoff)
		ws.mu.RUnlock()
		if stale {
			delete(r.workspaces, id)
			removed++
		}
	}
	return removed
}

// Len はワークスペース数を返します。
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.workspaces)
}
