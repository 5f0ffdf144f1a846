package attendance

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// SheetResolver はリクエストに対応するワークスペースの Sheet を返します。
type SheetResolver func(c *gin.Context) (*Sheet, bool)

type scanRequest struct {
	ID string `json:"id" binding:"required"`
}

// ScanHandler は POST /api/attendance/scan のハンドラーを返します。
func ScanHandler(resolve SheetResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		sheet, ok := resolve(c)
		if !ok {
			respondUnauthorized(c)
			return
		}

		var req scanRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    CodeInvalidInput,
				"message": "id を JSON で送ってください",
			})
			return
		}

		result, err := sheet.Mark(req.ID)
		if err != nil {
			respondWithError(c, err)
			return
		}
		status := http.StatusCreated
		if result.AlreadyMarked {
			status = http.StatusOK
		}
		c.JSON(status, result)
	}
}

// SummaryHandler は GET /api/attendance/summary のハンドラーを返します。
func SummaryHandler(resolve SheetResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		sheet, ok := resolve(c)
		if !ok {
			respondUnauthorized(c)
			return
		}
		summary, err := sheet.Summary()
		if err != nil {
			respondWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, summary)
	}
}

// CodesHandler は GET /api/attendance/codes のハンドラーを返します。
func CodesHandler(resolve SheetResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		sheet, ok := resolve(c)
		if !ok {
			respondUnauthorized(c)
			return
		}
		codes, err := sheet.Codes()
		if err != nil {
			respondWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"codes": codes})
	}
}

func respondUnauthorized(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"code":    "UNAUTHORIZED",
		"message": "ログインが必要です",
	})
}

func respondWithError(c *gin.Context, err error) {
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "INTERNAL_ERROR",
			"message": "サーバー内部でエラーが発生しました。",
		})
		return
	}

	status := http.StatusBadRequest
	switch apiErr.Code {
	case CodeUnknownAttendee:
		status = http.StatusNotFound
	case CodeRosterMissing:
		status = http.StatusConflict
	}
	c.JSON(status, gin.H{
		"code":    apiErr.Code,
		"message": apiErr.Message,
	})
}
