package jobs

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// RecordReader はジョブ状態を参照できるものが実装します。
type RecordReader interface {
	GetRecord(ctx context.Context, jobID string) (*Record, error)
}

// StatusHandler は GET /api/jobs/:id のハンドラーを返します。
func StatusHandler(reader RecordReader) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID := c.Param("id")
		if strings.TrimSpace(jobID) == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "jobId を指定してください。",
			})
			return
		}

		record, err := reader.GetRecord(c.Request.Context(), jobID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"code":    "INTERNAL_ERROR",
				"message": "ジョブ情報の取得に失敗しました。",
			})
			return
		}
		if record == nil {
			c.JSON(http.StatusNotFound, gin.H{
				"code":    "JOB_NOT_FOUND",
				"message": "指定されたジョブは存在しません。",
			})
			return
		}

		payload := gin.H{
			"jobId":     record.JobID,
			"kind":      record.Kind,
			"status":    record.Status,
			"attempts":  record.Attempts,
			"updatedAt": record.UpdatedAt,
		}
		if record.Error != nil {
			payload["error"] = record.Error
		}
		c.JSON(http.StatusOK, payload)
	}
}
