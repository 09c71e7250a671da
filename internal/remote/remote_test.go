package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kozaktomas/facetrack/internal/attendance"
)

func loadTestData(t *testing.T, filename string) []byte {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("testdata", filename))
	if err != nil {
		t.Fatalf("failed to load test data %s: %v", filename, err)
	}
	return data
}

func newTestClient(t *testing.T, url string) *Client {
	t.Helper()
	c, err := NewClient(url, "secret", 5*time.Second)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	return c
}

func TestNewClient_InvalidURL(t *testing.T) {
	tests := []string{"", "ftp://example.com", "::"}
	for _, u := range tests {
		if _, err := NewClient(u, "", time.Second); err == nil {
			t.Errorf("expected error for %q", u)
		}
	}
}

func TestFetchRoster(t *testing.T) {
	rosterData := loadTestData(t, "students_faces.json")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/students/faces" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer secret" {
			t.Errorf("missing bearer token, got %q", r.Header.Get("Authorization"))
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(rosterData)
	}))
	defer server.Close()

	students, err := newTestClient(t, server.URL).FetchRoster(context.Background())
	if err != nil {
		t.Fatalf("FetchRoster failed: %v", err)
	}
	if len(students) != 3 {
		t.Fatalf("expected 3 students, got %d", len(students))
	}
	if students[0].IDNumber != "2500032073" {
		t.Errorf("numeric id not decoded as string, got %q", students[0].IDNumber)
	}
	if students[1].Name != "Jiří Novák" {
		t.Errorf("unexpected name %q", students[1].Name)
	}
	if students[2].FaceImageURL != "" {
		t.Errorf("expected empty image url, got %q", students[2].FaceImageURL)
	}
}

func TestFetchRoster_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down for maintenance", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	if _, err := newTestClient(t, server.URL).FetchRoster(context.Background()); err == nil {
		t.Fatal("expected error for 503")
	}
}

func TestPushConfirmations(t *testing.T) {
	var got map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/face/confirm-attendance" {
			http.NotFound(w, r)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("invalid request body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"success": true, "message": "ok", "accepted": ["S1", 42]}`))
	}))
	defer server.Close()

	session := attendance.Session{ID: "session_1", ScheduleID: "17"}
	confs := []attendance.Confirmation{
		{IdentityID: "S1", DisplayName: "Ada Lovelace", SessionID: "session_1", DetectionCount: 3, AvgConfidence: 0.85},
		{IdentityID: "42", DisplayName: "Alan Turing", SessionID: "session_1", DetectionCount: 4, AvgConfidence: 0.7},
	}

	resp, err := newTestClient(t, server.URL).PushConfirmations(context.Background(), session, confs)
	if err != nil {
		t.Fatalf("PushConfirmations failed: %v", err)
	}
	if len(resp.Accepted) != 2 || resp.Accepted[0] != "S1" || resp.Accepted[1] != "42" {
		t.Errorf("unexpected accepted list %v", resp.Accepted)
	}

	if got["schedule_id"] != float64(17) {
		t.Errorf("expected numeric schedule id 17, got %v", got["schedule_id"])
	}
	if got["session_id"] != "session_1" {
		t.Errorf("unexpected session id %v", got["session_id"])
	}
	if got["method"] != BatchMethod {
		t.Errorf("unexpected method %v", got["method"])
	}
	items, ok := got["attendance_data"].([]any)
	if !ok || len(items) != 2 {
		t.Fatalf("expected 2 attendance items, got %v", got["attendance_data"])
	}
	first := items[0].(map[string]any)
	if first["person_id"] != "S1" || first["student_name"] != "Ada Lovelace" {
		t.Errorf("unexpected first item %v", first)
	}
	if first["method"] != ItemMethod {
		t.Errorf("unexpected item method %v", first["method"])
	}
	if first["notes"] != "Face recognition: 3 detections over 10+ minute period" {
		t.Errorf("unexpected notes %v", first["notes"])
	}
}

func TestPushConfirmations_Failures(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"server error", func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", http.StatusInternalServerError)
		}},
		{"success false", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"success": false, "message": "schedule closed"}`))
		}},
		{"invalid json", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`not json`))
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(tt.handler)
			defer server.Close()

			_, err := newTestClient(t, server.URL).PushConfirmations(context.Background(),
				attendance.Session{ID: "s", ScheduleID: "x"},
				[]attendance.Confirmation{{IdentityID: "S1"}})
			if !errors.Is(err, attendance.ErrSyncTransport) {
				t.Errorf("expected ErrSyncTransport, got %v", err)
			}
		})
	}
}

func TestPushConfirmations_Unreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	_, err := newTestClient(t, url).PushConfirmations(context.Background(),
		attendance.Session{ID: "s", ScheduleID: "1"}, nil)
	if !errors.Is(err, attendance.ErrSyncTransport) {
		t.Errorf("expected ErrSyncTransport, got %v", err)
	}
}

func TestDownloadImage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing.jpg" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte{0xFF, 0xD8, 0xFF, 0xE0})
	}))
	defer server.Close()

	c := newTestClient(t, server.URL)
	data, err := c.DownloadImage(context.Background(), server.URL+"/face.jpg")
	if err != nil {
		t.Fatalf("DownloadImage failed: %v", err)
	}
	if len(data) != 4 {
		t.Errorf("expected 4 bytes, got %d", len(data))
	}
	if _, err := c.DownloadImage(context.Background(), server.URL+"/missing.jpg"); err == nil {
		t.Error("expected error for 404")
	}
}

func TestScheduleValue(t *testing.T) {
	tests := []struct {
		in   string
		want any
	}{
		{"17", int64(17)},
		{"007", "007"},
		{"sched-a", "sched-a"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := scheduleValue(tt.in); got != tt.want {
			t.Errorf("scheduleValue(%q) = %#v, want %#v", tt.in, got, tt.want)
		}
	}
}
