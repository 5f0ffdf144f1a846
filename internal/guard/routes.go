// Package guard はページ遷移ごとに認証状態を解決し、ルートの RequiresAuth に従って
// 通過・リダイレクトを決めるナビゲーションガードを提供します。
package guard

const (
	PathHome           = "/"
	PathLogin          = "/login"
	PathRegister       = "/register"
	PathForgotPassword = "/forgot-password"
	PathDashboard      = "/dashboard"

	// WildcardPath は未定義パスに一致するルートです。
	WildcardPath = "/*"
)

// Route はページルートの静的定義です。起動後に変更しません。
type Route struct {
	Path         string
	View         string
	RequiresAuth bool
}

// DefaultRoutes はアプリケーションのルート表を返します。末尾のワイルドカードは未定義パス用です。
func DefaultRoutes() []Route {
	return []Route{
		{Path: PathHome, View: "home"},
		{Path: PathLogin, View: "login"},
		{Path: PathRegister, View: "register"},
		{Path: PathForgotPassword, View: "forgot-password"},
		{Path: PathDashboard, View: "dashboard", RequiresAuth: true},
		{Path: WildcardPath, View: "not-found"},
	}
}

// guestOnly はログイン済みユーザーをダッシュボードへ戻すページです。
var guestOnly = map[string]bool{
	PathLogin:          true,
	PathRegister:       true,
	PathForgotPassword: true,
}

// match は path に一致するルートを返します。完全一致がなければワイルドカードを返します。
func match(routes []Route, path string) []Route {
	var wildcard *Route
	for i := range routes {
		r := routes[i]
		if r.Path == WildcardPath {
			if wildcard == nil {
				wildcard = &routes[i]
			}
			continue
		}
		if r.Path == path {
			return []Route{r}
		}
	}
	if wildcard != nil {
		return []Route{*wildcard}
	}
	return nil
}
