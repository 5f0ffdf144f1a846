// Package roster は CSV 名簿の検証・解析と、ワークスペースごとの名簿保持を提供します。
package roster

import (
	"io"
	"mime"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

const (
	csvMIME  = "text/csv"
	textMIME = "text/plain"
)

// Roster は参加者IDから氏名への対応表です。
type Roster map[string]string

// Clone は Roster のコピーを返します。nil はそのまま nil を返します。
func (r Roster) Clone() Roster {
	if r == nil {
		return nil
	}
	out := make(Roster, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Upload はアップロードされたファイルを表します。
type Upload struct {
	Filename    string
	ContentType string
	Size        int64
	Open        func() (io.ReadCloser, error)
}

// ValidateUpload はファイル名と宣言された Content-Type で CSV かどうかを判定します。
// text/csv でも .csv でもない場合は INVALID_FILE_TYPE を返します。
func ValidateUpload(filename, contentType string) error {
	if strings.TrimSpace(filename) == "" && strings.TrimSpace(contentType) == "" {
		return newError(CodeInvalidInput, "CSVファイルを選択してください。", nil)
	}
	if isCSVType(contentType) || strings.HasSuffix(filename, ".csv") {
		return nil
	}
	return newError(CodeInvalidFileType, "有効なCSVファイルをアップロードしてください。", nil)
}

// isTextContent は中身がテキストとして読めるかどうかを返します。空の内容はテキストとみなします。
func isTextContent(data []byte) bool {
	if len(data) == 0 {
		return true
	}
	for m := mimetype.Detect(data); m != nil; m = m.Parent() {
		if m.Is(textMIME) {
			return true
		}
	}
	return false
}

func isCSVType(contentType string) bool {
	mediaType := mediaTypeOf(contentType)
	if mediaType == "" {
		return false
	}
	if m := mimetype.Lookup(mediaType); m != nil {
		return m.Is(csvMIME)
	}
	return mediaType == csvMIME
}

func mediaTypeOf(contentType string) string {
	contentType = strings.TrimSpace(contentType)
	if contentType == "" {
		return ""
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.ToLower(contentType)
	}
	return mediaType
}

// Parse は CSV テキスト全体を読み込み、Roster を構築します。
// 各行は先頭2項目を ID と氏名として扱い、どちらかが空の行は読み飛ばします。
// 同じ ID が複数回現れた場合は後の行が優先されます。
func Parse(r io.Reader) (Roster, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return parseText(string(data)), nil
}

func parseText(text string) Roster {
	out := make(Roster)
	for _, line := range strings.Split(text, "\n") {
		fields := strings.Split(line, ",")
		if len(fields) < 2 {
			continue
		}
		id := strings.TrimSpace(fields[0])
		name := strings.TrimSpace(fields[1])
		if id == "" || name == "" {
			continue
		}
		out[id] = name
	}
	return out
}

func displayName(filename string) string {
	if filename == "" {
		return ""
	}
	return filepath.Base(filename)
}
