package roster

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// Source は現在の名簿の取り込み元情報です。
type Source struct {
	Filename string    `json:"filename"`
	Entries  int       `json:"entries"`
	LoadedAt time.Time `json:"loadedAt"`
}

// Store は1つのワークスペースの名簿を保持します。
// 名簿は未設定(nil)か、解析を終えた完全な対応表のどちらかです。
type Store struct {
	maxBytes int64
	now      func() time.Time

	mu       sync.RWMutex
	roster   Roster
	source   *Source
	onChange []func(Roster)

	ingesting atomic.Bool
}

// Option は Store の設定を変更します。
type Option func(*Store)

// WithMaxBytes はアップロードの上限サイズを設定します。0 以下は無制限です。
func WithMaxBytes(n int64) Option {
	return func(s *Store) { s.maxBytes = n }
}

// WithClock は時刻取得関数を差し替えます。
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// NewStore は空の Store を作成します。
func NewStore(opts ...Option) *Store {
	s := &Store{now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OnChange は名簿が差し替えられたとき(クリア含む)に呼ばれる関数を登録します。
func (s *Store) OnChange(fn func(Roster)) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = append(s.onChange, fn)
}

// Roster は現在の名簿のコピーを返します。未設定なら nil です。
func (s *Store) Roster() Roster {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.roster.Clone()
}

// Source は現在の名簿の取り込み元を返します。未設定なら nil です。
func (s *Store) Source() *Source {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.source == nil {
		return nil
	}
	src := *s.source
	return &src
}

// Lookup は ID に対応する氏名を返します。
func (s *Store) Lookup(id string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.roster == nil {
		return "", false
	}
	name, ok := s.roster[id]
	return name, ok
}

// Loaded は名簿が設定済みかどうかを返します。
func (s *Store) Loaded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.roster != nil
}

// Ingest はアップロードを検証・解析し、成功した場合のみ名簿を丸ごと差し替えます。
// 同じ Store への取り込みが進行中の場合は UPLOAD_IN_PROGRESS を返します。
func (s *Store) Ingest(ctx context.Context, upload *Upload) (*Source, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if upload == nil || upload.Open == nil {
		return nil, newError(CodeInvalidInput, "CSVファイルを選択してください。", nil)
	}

	if err := ValidateUpload(upload.Filename, upload.ContentType); err != nil {
		return nil, err
	}

	if s.maxBytes > 0 && upload.Size > s.maxBytes {
		return nil, newError(CodeLimitExceeded, "名簿ファイルのサイズが上限を超えています。", nil)
	}

	if !s.ingesting.CompareAndSwap(false, true) {
		return nil, newError(CodeUploadInProgress, "別の名簿を取り込み中です。完了してから再度お試しください。", nil)
	}
	defer s.ingesting.Store(false)

	data, err := s.readAll(ctx, upload)
	if err != nil {
		return nil, err
	}

	// 名前や型は CSV でも中身がバイナリなら受け付けない
	if !isTextContent(data) {
		return nil, newError(CodeInvalidFileType, "有効なCSVファイルをアップロードしてください。", nil)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	parsed, err := Parse(bytes.NewReader(data))
	if err != nil {
		return nil, newError(CodeInvalidInput, "名簿ファイルの読み込みに失敗しました。", err)
	}

	src := &Source{
		Filename: displayName(upload.Filename),
		Entries:  len(parsed),
		LoadedAt: s.now().UTC(),
	}
	s.replace(parsed, src)
	out := *src
	return &out, nil
}

// Clear は確認済みの場合のみ名簿を未設定に戻します。確認がなければ何もしません。
func (s *Store) Clear(confirmed bool) bool {
	if !confirmed {
		return false
	}
	s.replace(nil, nil)
	return true
}

func (s *Store) replace(r Roster, src *Source) {
	s.mu.Lock()
	s.roster = r
	s.source = src
	listeners := append(([]func(Roster))(nil), s.onChange...)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(r.Clone())
	}
}

func (s *Store) readAll(ctx context.Context, upload *Upload) ([]byte, error) {
	rc, err := upload.Open()
	if err != nil {
		return nil, newError(CodeInvalidInput, "アップロードされたファイルを開けませんでした。", err)
	}
	defer rc.Close()

	var reader io.Reader = &ctxReader{ctx: ctx, r: rc}
	if s.maxBytes > 0 {
		reader = io.LimitReader(reader, s.maxBytes+1)
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, newError(CodeInvalidInput, "名簿ファイルの読み込みに失敗しました。", err)
	}
	if s.maxBytes > 0 && int64(len(data)) > s.maxBytes {
		return nil, newError(CodeLimitExceeded, "名簿ファイルのサイズが上限を超えています。", nil)
	}
	return data, nil
}

// ctxReader はコンテキストのキャンセルを読み込みに反映します。
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
