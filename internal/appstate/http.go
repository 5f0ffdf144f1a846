package appstate

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/turnup/internal/attendance"
	"github.com/yourusername/turnup/internal/identity"
	"github.com/yourusername/turnup/internal/roster"
)

// ContextWorkspaceKey はハンドラー間で Workspace を共有するためのキーです。
const ContextWorkspaceKey = "appstate.workspace"

// Attach は認証済みユーザーのワークスペースをコンテキストに載せるミドルウェアです。
// identity.ContextUserKey に User が設定されている前提で、認証ミドルウェアの後に置きます。
func (r *Registry) Attach() gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := identity.FromGin(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "UNAUTHORIZED",
				"message": "ログインが必要です",
			})
			return
		}
		c.Set(ContextWorkspaceKey, r.Bind(*user))
		c.Next()
	}
}

// WorkspaceFrom はコンテキストから Workspace を取り出します。
func WorkspaceFrom(c *gin.Context) (*Workspace, bool) {
	v, ok := c.Get(ContextWorkspaceKey)
	if !ok {
		return nil, false
	}
	ws, ok := v.(*Workspace)
	return ws, ok && ws != nil
}

// RosterFrom は roster.StoreResolver として使えます。
func RosterFrom(c *gin.Context) (*roster.Store, bool) {
	ws, ok := WorkspaceFrom(c)
	if !ok {
		return nil, false
	}
	return ws.Roster, true
}

// SheetFrom は attendance.SheetResolver として使えます。
func SheetFrom(c *gin.Context) (*attendance.Sheet, bool) {
	ws, ok := WorkspaceFrom(c)
	if !ok {
		return nil, false
	}
	return ws.Attendance, true
}

type pageRequest struct {
	Page string `json:"page" binding:"required"`
}

// GetPageHandler は GET /api/page のハンドラーです。
func GetPageHandler(c *gin.Context) {
	ws, ok := WorkspaceFrom(c)
	if !ok {
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}
	c.JSON(http.StatusOK, gin.H{"page": ws.Page()})
}

// SetPageHandler は PUT /api/page のハンドラーです。
func SetPageHandler(c *gin.Context) {
	ws, ok := WorkspaceFrom(c)
	if !ok {
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}

	var req pageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": "page を JSON で送ってください",
		})
		return
	}
	page, err := ParsePage(req.Page)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": "page は scanner / generator / summary のいずれかです",
		})
		return
	}

	ws.SetPage(page)
	c.JSON(http.StatusOK, gin.H{"page": page})
}
