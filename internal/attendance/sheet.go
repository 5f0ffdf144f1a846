// Package attendance は名簿に対する出席記録と集計を提供します。
package attendance

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/yourusername/turnup/internal/roster"
)

const (
	CodeRosterMissing   = "ROSTER_MISSING"
	CodeUnknownAttendee = "UNKNOWN_ATTENDEE"
	CodeInvalidInput    = "INVALID_INPUT"
)

// Error は利用者向けのエラーコードとメッセージを保持します。
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Record は出席済みの参加者を表します。
type Record struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	MarkedAt time.Time `json:"markedAt"`
}

// MarkResult はスキャン結果を表します。
type MarkResult struct {
	Record        Record `json:"record"`
	AlreadyMarked bool   `json:"alreadyMarked"`
}

// Summary は出欠の集計です。
type Summary struct {
	Total   int            `json:"total"`
	Present int            `json:"present"`
	Absent  int            `json:"absent"`
	Marked  []Record       `json:"marked"`
	Missing []roster.Entry `json:"missing"`
}

// Sheet は1つのワークスペースの出席記録です。名簿が差し替えられると記録は消去されます。
type Sheet struct {
	roster *roster.Store
	now    func() time.Time

	mu     sync.Mutex
	marked map[string]Record
	gen    uint64 // Reset のたびに進む
}

// testHookAfterLookup は名簿参照と記録の間に割り込むためのテスト用フックです。
var testHookAfterLookup func()

// NewSheet は名簿 Store に紐づく Sheet を作成します。
func NewSheet(store *roster.Store, now func() time.Time) *Sheet {
	if now == nil {
		now = time.Now
	}
	s := &Sheet{
		roster: store,
		now:    now,
		marked: make(map[string]Record),
	}
	store.OnChange(func(roster.Roster) { s.Reset() })
	return s
}

// Mark は ID の参加者を出席にします。既に出席済みなら最初の記録を返します。
func (s *Sheet) Mark(id string) (*MarkResult, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, &Error{Code: CodeInvalidInput, Message: "参加者IDを指定してください。"}
	}
	for {
		gen := s.generation()
		if !s.roster.Loaded() {
			return nil, &Error{Code: CodeRosterMissing, Message: "先に名簿をアップロードしてください。"}
		}
		name, ok := s.roster.Lookup(id)
		if !ok {
			return nil, &Error{Code: CodeUnknownAttendee, Message: fmt.Sprintf("ID %s は名簿に存在しません。", id)}
		}
		if testHookAfterLookup != nil {
			testHookAfterLookup()
		}

		s.mu.Lock()
		if s.gen != gen {
			// 参照中に名簿が差し替えられたので新しい名簿で引き直す
			s.mu.Unlock()
			continue
		}
		if rec, exists := s.marked[id]; exists {
			s.mu.Unlock()
			return &MarkResult{Record: rec, AlreadyMarked: true}, nil
		}
		rec := Record{ID: id, Name: name, MarkedAt: s.now().UTC()}
		s.marked[id] = rec
		s.mu.Unlock()
		return &MarkResult{Record: rec}, nil
	}
}

func (s *Sheet) generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen
}

// Reset は出席記録をすべて消去します。
func (s *Sheet) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marked = make(map[string]Record)
	s.gen++
}

// Summary は現在の名簿に対する出欠を集計します。
func (s *Sheet) Summary() (*Summary, error) {
	current := s.roster.Roster()
	if current == nil {
		return nil, &Error{Code: CodeRosterMissing, Message: "先に名簿をアップロードしてください。"}
	}

	s.mu.Lock()
	marked := make([]Record, 0, len(s.marked))
	for id, rec := range s.marked {
		if _, ok := current[id]; ok {
			marked = append(marked, rec)
		}
	}
	s.mu.Unlock()

	present := make(map[string]struct{}, len(marked))
	for _, rec := range marked {
		present[rec.ID] = struct{}{}
	}
	missing := make([]roster.Entry, 0, len(current)-len(marked))
	for _, e := range current.Entries() {
		if _, ok := present[e.ID]; !ok {
			missing = append(missing, e)
		}
	}
	sort.Slice(marked, func(i, j int) bool { return marked[i].ID < marked[j].ID })

	return &Summary{
		Total:   len(current),
		Present: len(marked),
		Absent:  len(missing),
		Marked:  marked,
		Missing: missing,
	}, nil
}

// Codes はバッジ印刷用に名簿の一覧を ID 順で返します。
func (s *Sheet) Codes() ([]roster.Entry, error) {
	current := s.roster.Roster()
	if current == nil {
		return nil, &Error{Code: CodeRosterMissing, Message: "先に名簿をアップロードしてください。"}
	}
	return current.Entries(), nil
}
