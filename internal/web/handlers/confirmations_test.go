package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/kozaktomas/facetrack/internal/attendance"
	"github.com/kozaktomas/facetrack/internal/database/mock"
)

type fakeRegistry []attendance.Identity

func (r fakeRegistry) Identities() []attendance.Identity { return r }

// requestWithChiParams creates a request with chi URL parameters
func requestWithChiParams(r *http.Request, params map[string]string) *http.Request {
	rctx := chi.NewRouteContext()
	for key, value := range params {
		rctx.URLParams.Add(key, value)
	}
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

func seededStore(t *testing.T) *mock.Store {
	t.Helper()
	store := mock.NewStore()
	ctx := context.Background()
	now := time.Now()
	store.SaveSession(ctx, attendance.Session{ID: "s1", ScheduleID: "17", StartedAt: now.Add(-time.Hour)})
	store.SaveSession(ctx, attendance.Session{ID: "s2", ScheduleID: "18", StartedAt: now})
	store.InsertConfirmation(ctx, attendance.Confirmation{IdentityID: "S1", SessionID: "s1", DetectionCount: 3, ConfirmedAt: now})
	return store
}

func TestRecordHandler_Confirmations(t *testing.T) {
	h := NewRecordHandler(seededStore(t), fakeRegistry(nil))

	tests := []struct {
		session string
		want    int
	}{
		{"s1", 1},
		{"s2", 0},
		{"unknown", 0},
	}
	for _, tt := range tests {
		t.Run(tt.session, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions/"+tt.session+"/confirmations", nil)
			req = requestWithChiParams(req, map[string]string{"id": tt.session})
			rec := httptest.NewRecorder()
			h.Confirmations(rec, req)

			if rec.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d", rec.Code)
			}
			var got []attendance.Confirmation
			if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
				t.Fatalf("expected a JSON array: %v", err)
			}
			if len(got) != tt.want {
				t.Errorf("expected %d confirmations, got %d", tt.want, len(got))
			}
		})
	}
}

func TestRecordHandler_ListSessions(t *testing.T) {
	h := NewRecordHandler(seededStore(t), fakeRegistry(nil))

	rec := httptest.NewRecorder()
	h.ListSessions(rec, httptest.NewRequest(http.MethodGet, "/api/v1/sessions?limit=1", nil))
	var got []attendance.Session
	json.Unmarshal(rec.Body.Bytes(), &got)
	if len(got) != 1 || got[0].ID != "s2" {
		t.Errorf("expected the most recent session only, got %+v", got)
	}

	rec = httptest.NewRecorder()
	h.ListSessions(rec, httptest.NewRequest(http.MethodGet, "/api/v1/sessions?limit=abc", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid limit, got %d", rec.Code)
	}
}

func TestRecordHandler_Identities(t *testing.T) {
	reg := fakeRegistry{{ID: "S1", DisplayName: "Ana Lopez", Embedding: []float32{0.1}}}
	rec := httptest.NewRecorder()
	NewRecordHandler(mock.NewStore(), reg).Identities(rec, httptest.NewRequest(http.MethodGet, "/api/v1/identities", nil))

	var got []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("failed to decode identities: %v", err)
	}
	if len(got) != 1 || got[0]["display_name"] != "Ana Lopez" {
		t.Errorf("unexpected identities %v", got)
	}
	if _, leaked := got[0]["embedding"]; leaked {
		t.Error("embeddings must not be exposed")
	}
}
