package remote

import (
	"context"
	"fmt"
	"net/http"

	"github.com/kozaktomas/facetrack/internal/attendance"
)

// PushConfirmations sends the session's confirmations in one batch. Transport
// errors, non-2xx statuses and success=false replies wrap
// attendance.ErrSyncTransport.
func (c *Client) PushConfirmations(ctx context.Context, session attendance.Session, confirmations []attendance.Confirmation) (*ConfirmResponse, error) {
	req := ConfirmRequest{
		ScheduleID:     scheduleValue(session.ScheduleID),
		SessionID:      session.ID,
		Method:         BatchMethod,
		AttendanceData: make([]AttendanceItem, 0, len(confirmations)),
	}
	for _, conf := range confirmations {
		req.AttendanceData = append(req.AttendanceData, AttendanceItem{
			PersonID:        conf.IdentityID,
			StudentName:     conf.DisplayName,
			Method:          ItemMethod,
			ConfidenceScore: conf.AvgConfidence,
			DetectionCount:  conf.DetectionCount,
			Notes:           fmt.Sprintf("Face recognition: %d detections over 10+ minute period", conf.DetectionCount),
		})
	}

	resp, err := doRequestJSON[ConfirmResponse](ctx, c, http.MethodPost, "face/confirm-attendance", req,
		http.StatusOK, http.StatusCreated)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", attendance.ErrSyncTransport, err)
	}
	if !resp.Success {
		return resp, fmt.Errorf("%w: service rejected batch: %s", attendance.ErrSyncTransport, resp.Message)
	}
	return resp, nil
}
