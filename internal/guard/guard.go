package guard

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"

	"github.com/yourusername/turnup/internal/appstate"
	"github.com/yourusername/turnup/internal/identity"
)

const (
	// ContextRouteKey は一致したルートをハンドラーへ渡すためのキーです。
	ContextRouteKey = "guard.route"

	noticeLoginRequired = "このページを表示するにはログインが必要です"
)

// Binder は解決済みユーザーを共有状態へ書き込みます。
type Binder interface {
	Bind(user identity.User) *appstate.Workspace
}

// ProviderFunc はリクエストごとの identity.Provider を返します。
type ProviderFunc func(c *gin.Context) identity.Provider

// Decision はガードの判定結果です。Redirect が空なら通過します。
type Decision struct {
	Route    Route
	Redirect string
	Notice   string
	User     *identity.User
}

// Proceed は遷移先へ進めるかどうかを返します。
func (d Decision) Proceed() bool {
	return d.Redirect == ""
}

// Guard はナビゲーションガードです。
type Guard struct {
	routes []Route
	state  Binder
	logger *log.Logger
}

// New は Guard を作成します。routes が空なら DefaultRoutes を使います。
func New(routes []Route, state Binder, logger *log.Logger) *Guard {
	if len(routes) == 0 {
		routes = DefaultRoutes()
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Guard{
		routes: append([]Route(nil), routes...),
		state:  state,
		logger: logger,
	}
}

// Routes はルート表のコピーを返します。
func (g *Guard) Routes() []Route {
	return append([]Route(nil), g.routes...)
}

// Decide は遷移先 path と認証状態から通過かリダイレクトかを決めます。
// 認証状態は遷移ごとにちょうど一度だけ解決します。解決に失敗した場合はエラーを返します。
func (g *Guard) Decide(ctx context.Context, path string, provider identity.Provider) (Decision, error) {
	matched := match(g.routes, path)
	if len(matched) == 0 {
		return Decision{}, fmt.Errorf("no route matches %q", path)
	}

	user, err := identity.CurrentUser(ctx, provider)
	if err != nil {
		return Decision{}, fmt.Errorf("resolve auth state: %w", err)
	}
	if user != nil && g.state != nil {
		g.state.Bind(*user)
	}

	dec := Decision{Route: matched[0], User: user}

	requiresAuth := false
	for _, r := range matched {
		if r.RequiresAuth {
			requiresAuth = true
			break
		}
	}

	if requiresAuth {
		if user == nil {
			dec.Redirect = PathLogin
			dec.Notice = noticeLoginRequired
		}
		return dec, nil
	}

	if guestOnly[path] && user != nil {
		dec.Redirect = PathDashboard
	}
	return dec, nil
}

// Middleware は Decide の結果を gin に適用するミドルウェアです。
// リダイレクト時の通知はセッションのフラッシュに積み、遷移先ページで表示させます。
func (g *Guard) Middleware(providerFor ProviderFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		dec, err := g.Decide(c.Request.Context(), c.Request.URL.Path, providerFor(c))
		if err != nil {
			g.logger.Printf("navigation to %s aborted: %v", c.Request.URL.Path, err)
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"code":    "AUTH_UNAVAILABLE",
				"message": "認証状態を確認できませんでした。時間をおいて再度お試しください",
			})
			return
		}

		if !dec.Proceed() {
			if dec.Notice != "" {
				session := sessions.Default(c)
				session.AddFlash(dec.Notice)
				if err := session.Save(); err != nil {
					g.logger.Printf("failed to save notice: %v", err)
				}
			}
			c.Redirect(http.StatusFound, dec.Redirect)
			c.Abort()
			return
		}

		identity.ToGin(c, dec.User)
		c.Set(ContextRouteKey, dec.Route)
		c.Next()
	}
}

// Mount はルート表のページを engine に登録します。ワイルドカードは NoRoute に割り当てます。
func (g *Guard) Mount(engine *gin.Engine, providerFor ProviderFunc, view gin.HandlerFunc) {
	mw := g.Middleware(providerFor)
	for _, r := range g.routes {
		if r.Path == WildcardPath {
			engine.NoRoute(mw, view)
			continue
		}
		engine.GET(r.Path, mw, view)
	}
}
