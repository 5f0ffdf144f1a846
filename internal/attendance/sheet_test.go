package attendance

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/turnup/internal/roster"
)

func loadedStore(t *testing.T, body string) *roster.Store {
	t.Helper()
	store := roster.NewStore()
	_, err := store.Ingest(context.Background(), &roster.Upload{
		Filename:    "r.csv",
		ContentType: "text/csv",
		Size:        int64(len(body)),
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(strings.NewReader(body)), nil
		},
	})
	if err != nil {
		t.Fatalf("Ingest returned error: %v", err)
	}
	return store
}

func codeOf(err error) string {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return ""
}

func TestMarkRequiresRoster(t *testing.T) {
	sheet := NewSheet(roster.NewStore(), nil)
	if _, err := sheet.Mark("1"); codeOf(err) != CodeRosterMissing {
		t.Fatalf("expected ROSTER_MISSING, got %v", err)
	}
	if _, err := sheet.Summary(); codeOf(err) != CodeRosterMissing {
		t.Fatalf("expected ROSTER_MISSING, got %v", err)
	}
}

func TestMarkAndSummary(t *testing.T) {
	fixed := time.Date(2026, 10, 15, 8, 30, 0, 0, time.UTC)
	store := loadedStore(t, "1,Alice\n2,Bob\n3,Carol\n")
	sheet := NewSheet(store, func() time.Time { return fixed })

	res, err := sheet.Mark(" 2 ")
	if err != nil {
		t.Fatalf("Mark returned error: %v", err)
	}
	if res.AlreadyMarked || res.Record.Name != "Bob" || !res.Record.MarkedAt.Equal(fixed) {
		t.Fatalf("unexpected result: %#v", res)
	}

	again, err := sheet.Mark("2")
	if err != nil || !again.AlreadyMarked {
		t.Fatalf("expected idempotent mark, got %#v err=%v", again, err)
	}

	if _, err := sheet.Mark("99"); codeOf(err) != CodeUnknownAttendee {
		t.Fatalf("expected UNKNOWN_ATTENDEE, got %v", err)
	}
	if _, err := sheet.Mark(""); codeOf(err) != CodeInvalidInput {
		t.Fatalf("expected INVALID_INPUT, got %v", err)
	}

	summary, err := sheet.Summary()
	if err != nil {
		t.Fatalf("Summary returned error: %v", err)
	}
	if summary.Total != 3 || summary.Present != 1 || summary.Absent != 2 {
		t.Fatalf("unexpected summary: %#v", summary)
	}
	if summary.Missing[0].ID != "1" || summary.Missing[1].ID != "3" {
		t.Fatalf("unexpected missing list: %#v", summary.Missing)
	}
}

func TestRosterClearResetsAttendance(t *testing.T) {
	store := loadedStore(t, "1,Alice\n")
	sheet := NewSheet(store, nil)
	if _, err := sheet.Mark("1"); err != nil {
		t.Fatalf("Mark returned error: %v", err)
	}

	store.Clear(true)
	if _, err := sheet.Summary(); codeOf(err) != CodeRosterMissing {
		t.Fatalf("expected ROSTER_MISSING after clear, got %v", err)
	}

	_, err := store.Ingest(context.Background(), &roster.Upload{
		Filename: "r.csv",
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(strings.NewReader("1,Alice\n")), nil
		},
	})
	if err != nil {
		t.Fatalf("Ingest returned error: %v", err)
	}
	summary, err := sheet.Summary()
	if err != nil {
		t.Fatalf("Summary returned error: %v", err)
	}
	if summary.Present != 0 {
		t.Fatalf("attendance must not survive a roster replacement: %#v", summary)
	}
}

func TestMarkRetriesWhenRosterReplacedMidLookup(t *testing.T) {
	store := loadedStore(t, "1,Alice\n")
	sheet := NewSheet(store, nil)

	replaced := false
	testHookAfterLookup = func() {
		if replaced {
			return
		}
		replaced = true
		_, err := store.Ingest(context.Background(), &roster.Upload{
			Filename: "r.csv",
			Open: func() (io.ReadCloser, error) {
				return io.NopCloser(strings.NewReader("1,Alicia\n")), nil
			},
		})
		if err != nil {
			t.Errorf("Ingest returned error: %v", err)
		}
	}
	t.Cleanup(func() { testHookAfterLookup = nil })

	res, err := sheet.Mark("1")
	if err != nil {
		t.Fatalf("Mark returned error: %v", err)
	}
	if !replaced {
		t.Fatal("roster was not replaced during Mark")
	}
	if res.Record.Name != "Alicia" {
		t.Fatalf("record built from stale roster: %#v", res.Record)
	}

	summary, err := sheet.Summary()
	if err != nil {
		t.Fatalf("Summary returned error: %v", err)
	}
	if summary.Present != 1 || len(summary.Marked) != 1 || summary.Marked[0].Name != "Alicia" {
		t.Fatalf("unexpected summary: %#v", summary)
	}
}

func TestCodesSorted(t *testing.T) {
	sheet := NewSheet(loadedStore(t, "b,Bea\na,Ann\n"), nil)
	codes, err := sheet.Codes()
	if err != nil {
		t.Fatalf("Codes returned error: %v", err)
	}
	if len(codes) != 2 || codes[0].ID != "a" || codes[1].ID != "b" {
		t.Fatalf("unexpected codes: %#v", codes)
	}
}

func TestScanHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	sheet := NewSheet(loadedStore(t, "1,Alice\n"), nil)
	router := gin.New()
	router.POST("/scan", ScanHandler(func(*gin.Context) (*Sheet, bool) { return sheet, true }))

	post := func(body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/scan", bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	if rec := post(`{"id":"1"}`); rec.Code != http.StatusCreated {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	rec := post(`{"id":"1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	var res MarkResult
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if !res.AlreadyMarked || res.Record.Name != "Alice" {
		t.Fatalf("unexpected result: %#v", res)
	}
	if rec := post(`{"id":"2"}`); rec.Code != http.StatusNotFound {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	if rec := post(`{}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
}
