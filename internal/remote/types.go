package remote

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Attendance methods reported to the service.
const (
	BatchMethod = "face_recognition_embedded"
	ItemMethod  = "face_recognition"
)

// ID is an identifier the service may send as either a JSON string or number.
type ID string

func (id ID) String() string { return string(id) }

func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("decoding id: %w", err)
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("decoding id: %w", err)
	}
	*id = ID(n.String())
	return nil
}

// scheduleValue sends numeric schedule ids as JSON numbers, which is what the
// service stores them as; anything else is sent verbatim.
func scheduleValue(id string) any {
	if n, err := strconv.ParseInt(id, 10, 64); err == nil && strconv.FormatInt(n, 10) == id {
		return n
	}
	return id
}

// Student is one roster entry.
type Student struct {
	IDNumber     ID     `json:"id_number"`
	Name         string `json:"name"`
	FaceImageURL string `json:"face_image_url"`
}

type rosterResponse struct {
	Students []Student `json:"students"`
}

// AttendanceItem is one confirmed person in a batch push.
type AttendanceItem struct {
	PersonID        string  `json:"person_id"`
	StudentName     string  `json:"student_name"`
	Method          string  `json:"method"`
	ConfidenceScore float64 `json:"confidence_score"`
	DetectionCount  int     `json:"detection_count"`
	Notes           string  `json:"notes"`
}

// ConfirmRequest is the batch body for one session.
type ConfirmRequest struct {
	ScheduleID     any              `json:"schedule_id"`
	SessionID      string           `json:"session_id"`
	Method         string           `json:"method"`
	AttendanceData []AttendanceItem `json:"attendance_data"`
}

// ConfirmResponse acknowledges a batch. Only persons listed in Accepted were
// recorded by the service.
type ConfirmResponse struct {
	Success  bool   `json:"success"`
	Message  string `json:"message"`
	Accepted []ID   `json:"accepted"`
}
