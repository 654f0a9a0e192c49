package live

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/campusface/attendance/internal/attendance"
)

// APIClient marks attendance through the REST API.
type APIClient struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

// NewAPIClient calls the attendance API at baseURL, sending token as a bearer when set.
func NewAPIClient(baseURL, token string, timeout time.Duration) *APIClient {
	return &APIClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTP:    &http.Client{Timeout: timeout},
	}
}

// MarkBatch posts recognized ids to the face-recognition mark endpoint.
func (c *APIClient) MarkBatch(ctx context.Context, courseID string, studentIDs []string, confidences map[string]float64) ([]attendance.BatchResult, error) {
	payload, err := json.Marshal(map[string]any{
		"courseId":    courseID,
		"studentIds":  studentIDs,
		"confidences": confidences,
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/attendance/mark/face-recognition", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("mark attendance: %w", err)
	}
	defer resp.Body.Close()

	var out struct {
		Success bool                     `json:"success"`
		Message string                   `json:"message"`
		Results []attendance.BatchResult `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("mark attendance: decode %s response: %w", resp.Status, err)
	}
	if resp.StatusCode >= 300 || !out.Success {
		return nil, fmt.Errorf("mark attendance: %s: %s", resp.Status, out.Message)
	}
	return out.Results, nil
}
