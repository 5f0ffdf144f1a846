package roster

import (
	"context"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

// StoreResolver はリクエストに対応するワークスペースの Store を返します。
type StoreResolver func(c *gin.Context) (*Store, bool)

// Entry は名簿の1行を表します。
type Entry struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Entries は名簿を ID 順に並べて返します。
func (r Roster) Entries() []Entry {
	out := make([]Entry, 0, len(r))
	for id, name := range r {
		out = append(out, Entry{ID: id, Name: name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// UploadHandler は POST /api/roster のハンドラーを返します。
func UploadHandler(resolve StoreResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		store, ok := resolve(c)
		if !ok {
			respondUnauthorized(c)
			return
		}

		form, err := c.MultipartForm()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    CodeInvalidInput,
				"message": "multipart/form-data でCSVファイルを送信してください。",
			})
			return
		}
		defer form.RemoveAll()

		file, err := extractSingleFile(form)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    CodeInvalidInput,
				"message": err.Error(),
			})
			return
		}

		src, err := store.Ingest(c.Request.Context(), uploadFromHeader(file))
		if err != nil {
			respondWithError(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"source":  src,
			"entries": store.Roster().Entries(),
		})
	}
}

// GetHandler は GET /api/roster のハンドラーを返します。
func GetHandler(resolve StoreResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		store, ok := resolve(c)
		if !ok {
			respondUnauthorized(c)
			return
		}

		current := store.Roster()
		if current == nil {
			c.JSON(http.StatusOK, gin.H{
				"loaded":  false,
				"entries": []Entry{},
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"loaded":  true,
			"source":  store.Source(),
			"entries": current.Entries(),
		})
	}
}

// ClearHandler は DELETE /api/roster のハンドラーを返します。
// confirm=true が指定されない場合は何も変更せず 409 を返します。
func ClearHandler(resolve StoreResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		store, ok := resolve(c)
		if !ok {
			respondUnauthorized(c)
			return
		}

		confirmed, _ := strconv.ParseBool(strings.TrimSpace(c.Query("confirm")))
		if !store.Clear(confirmed) {
			respondWithError(c, newError(CodeConfirmationRequired, "現在の出欠データがすべて消去されます。確認のうえ confirm=true を指定してください。", nil))
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func uploadFromHeader(fh *multipart.FileHeader) *Upload {
	return &Upload{
		Filename:    fh.Filename,
		ContentType: fh.Header.Get("Content-Type"),
		Size:        fh.Size,
		Open: func() (io.ReadCloser, error) {
			return fh.Open()
		},
	}
}

func extractSingleFile(form *multipart.Form) (*multipart.FileHeader, error) {
	if form == nil {
		return nil, errors.New("CSVファイルを選択してください。")
	}
	for _, key := range []string{"file", "file[]", "roster"} {
		if files := form.File[key]; len(files) > 0 {
			return files[0], nil
		}
	}
	return nil, errors.New("CSVファイルを選択してください。")
}

func respondUnauthorized(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"code":    "UNAUTHORIZED",
		"message": "ログインが必要です",
	})
}

func respondWithError(c *gin.Context, err error) {
	var apiErr *Error
	switch {
	case errors.As(err, &apiErr):
		c.JSON(statusFor(apiErr.Code), gin.H{
			"code":    apiErr.Code,
			"message": apiErr.Message,
		})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusRequestTimeout, gin.H{
			"code":    "REQUEST_CANCELED",
			"message": "リクエストがキャンセルされました。",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "INTERNAL_ERROR",
			"message": "サーバー内部でエラーが発生しました。",
		})
	}
}

func statusFor(code string) int {
	switch code {
	case CodeLimitExceeded:
		return http.StatusRequestEntityTooLarge
	case CodeUploadInProgress, CodeConfirmationRequired:
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}
