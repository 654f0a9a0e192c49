package cvengine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/campusface/attendance/internal/apperr"
	"github.com/campusface/attendance/internal/metrics"
)

// Match is one recognized identity in a frame.
type Match struct {
	StudentID  string  `json:"student_id"`
	Confidence float64 `json:"confidence"`
}

// VerifyResult is the /verify response.
type VerifyResult struct {
	Success    bool    `json:"success"`
	Recognized []Match `json:"recognized"`
	Message    string  `json:"message,omitempty"`
}

// EnrollResult is the /enroll response.
type EnrollResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Client calls the external face recognition engine.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Skip    bool
}

// New creates a client with the given per-call timeout.
func New(baseURL string, timeout time.Duration, skip bool) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		BaseURL: baseURL,
		Skip:    skip,
		HTTP:    &http.Client{Timeout: timeout},
	}
}

// Verify asks the engine who is in the photo.
func (c *Client) Verify(ctx context.Context, photo []byte, filename string) (*VerifyResult, error) {
	if c.Skip {
		return &VerifyResult{Success: true, Recognized: []Match{}}, nil
	}
	body, contentType, err := multipartPhoto(photo, filename, nil)
	if err != nil {
		return nil, err
	}
	var out VerifyResult
	if err := c.post(ctx, "verify", "/verify", contentType, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Enroll registers the face in photo under studentID.
func (c *Client) Enroll(ctx context.Context, studentID string, photo []byte, filename string) (*EnrollResult, error) {
	if c.Skip {
		return &EnrollResult{Success: true, Message: "Face enrolled (mock)"}, nil
	}
	body, contentType, err := multipartPhoto(photo, filename, map[string]string{"student_id": studentID})
	if err != nil {
		return nil, err
	}
	var out EnrollResult
	if err := c.post(ctx, "enroll", "/enroll", contentType, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteStudent drops the enrolled embedding for studentID.
func (c *Client) DeleteStudent(ctx context.Context, studentID string) error {
	if c.Skip {
		return nil
	}
	payload, _ := json.Marshal(map[string]string{"student_id": studentID})
	var out struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
	}
	if err := c.post(ctx, "delete", "/delete-student", "application/json", bytes.NewReader(payload), &out); err != nil {
		return err
	}
	if !out.Success {
		return apperr.Upstream("cv engine refused delete", fmt.Errorf("%s", out.Message))
	}
	return nil
}

// Health checks if the engine is reachable.
func (c *Client) Health(ctx context.Context) error {
	if c.Skip {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return apperr.Upstream("cv engine unavailable", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return apperr.Upstream("cv engine unhealthy", fmt.Errorf("status %s", resp.Status))
	}
	return nil
}

func (c *Client) post(ctx context.Context, op, path, contentType string, body io.Reader, out any) (err error) {
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		metrics.CVEngineRequests.WithLabelValues(op, outcome).Inc()
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return apperr.Upstream("cv engine request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return apperr.Upstream("cv engine error", fmt.Errorf("%s: %s", resp.Status, bytes.TrimSpace(msg)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperr.Upstream("cv engine returned malformed response", err)
	}
	return nil
}

func multipartPhoto(photo []byte, filename string, fields map[string]string) (io.Reader, string, error) {
	if len(photo) == 0 {
		return nil, "", apperr.BadRequest("photo is empty")
	}
	if filename == "" {
		filename = "photo.jpg"
	}
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return nil, "", err
		}
	}
	fw, err := w.CreateFormFile("photo", filename)
	if err != nil {
		return nil, "", err
	}
	if _, err := fw.Write(photo); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}
