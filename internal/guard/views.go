package guard

import (
	"log"
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"

	"github.com/yourusername/turnup/internal/appstate"
	"github.com/yourusername/turnup/internal/identity"
)

// WorkspaceGetter はユーザーのワークスペースを参照します。
type WorkspaceGetter interface {
	Get(userID string) (*appstate.Workspace, bool)
}

// ViewHandler はガードを通過したページのビュー記述子を JSON で返します。
// 画面の描画はクライアント側の責務です。
func ViewHandler(workspaces WorkspaceGetter, logger *log.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = log.Default()
	}
	return func(c *gin.Context) {
		route, _ := c.Get(ContextRouteKey)
		r, ok := route.(Route)
		if !ok {
			r = Route{View: "not-found"}
		}

		notices, err := popNotices(c)
		if err != nil {
			logger.Printf("failed to clear notices: %v", err)
		}
		payload := gin.H{
			"view":    r.View,
			"path":    c.Request.URL.Path,
			"notices": notices,
		}

		if user, ok := identity.FromGin(c); ok {
			payload["user"] = user
			if workspaces != nil {
				if ws, ok := workspaces.Get(user.ID); ok {
					payload["page"] = ws.Page()
					payload["rosterLoaded"] = ws.Roster.Loaded()
				}
			}
		}

		status := http.StatusOK
		if r.Path == WildcardPath || r.Path == "" {
			status = http.StatusNotFound
		}
		c.JSON(status, payload)
	}
}

// popNotices はフラッシュを取り出します。保存に失敗しても取り出した通知は返します。
func popNotices(c *gin.Context) ([]string, error) {
	session := sessions.Default(c)
	flashes := session.Flashes()
	if len(flashes) == 0 {
		return []string{}, nil
	}
	err := session.Save()

	out := make([]string, 0, len(flashes))
	for _, f := range flashes {
		if s, ok := f.(string); ok {
			out = append(out, s)
		}
	}
	return out, err
}
