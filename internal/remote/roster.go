package remote

import (
	"context"
	"fmt"
	"net/http"

	"github.com/kozaktomas/facetrack/internal/constants"
)


// FetchRoster lists the students with reference photos.
func (c *Client) FetchRoster(ctx context.Context) ([]Student, error) {
	resp, err := doRequestJSON[rosterResponse](ctx, c, http.MethodGet, "students/faces", nil, http.StatusOK)
	if err != nil {
		return nil, fmt.Errorf("fetching roster: %w", err)
	}
	return resp.Students, nil
}

// DownloadImage fetches a reference photo from an absolute URL.
func (c *Client) DownloadImage(ctx context.Context, url string) ([]byte, error) {
	data, err := doGetRaw(ctx, c, url, constants.MaxImageSize)
	if err != nil {
		return nil, fmt.Errorf("downloading %s: %w", url, err)
	}
	return data, nil
}
