package live

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/campusface/attendance/internal/model"
)

// Feed follows the server's attendance stream for one course.
type Feed struct {
	URL      string
	Token    string
	HTTP     *http.Client
	Retry    time.Duration
	MaxRetry time.Duration
	log      *zap.Logger
}

// NewFeed follows apiURL's stream for courseID, retrying after 5s and backing off to 60s.
func NewFeed(apiURL, courseID, token string, log *zap.Logger) *Feed {
	if log == nil {
		log = zap.NewNop()
	}
	return &Feed{
		URL:      strings.TrimRight(apiURL, "/") + "/attendance/stream/" + courseID,
		Token:    token,
		HTTP:     &http.Client{},
		Retry:    5 * time.Second,
		MaxRetry: 60 * time.Second,
		log:      log,
	}
}

// Run delivers every snapshot to onSnapshot and reconnects until ctx ends.
func (f *Feed) Run(ctx context.Context, onSnapshot func([]model.Attendance)) {
	delay := f.Retry
	for {
		got, err := f.stream(ctx, onSnapshot)
		if ctx.Err() != nil {
			return
		}
		if got {
			delay = f.Retry
		}
		f.log.Warn("attendance stream closed, reconnecting", zap.Error(err), zap.Duration("retry_in", delay))

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
		delay *= 2
		if delay > f.MaxRetry {
			delay = f.MaxRetry
		}
	}
}

// stream reads one connection. It reports whether any snapshot was delivered.
func (f *Feed) stream(ctx context.Context, onSnapshot func([]model.Attendance)) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.URL, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Accept", "text/event-stream")
	if f.Token != "" {
		req.Header.Set("Authorization", "Bearer "+f.Token)
	}
	resp, err := f.HTTP.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("stream status %s", resp.Status)
	}

	got := false
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64<<10), 4<<20)
	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if data.Len() == 0 {
				continue
			}
			var rows []model.Attendance
			if err := json.Unmarshal([]byte(data.String()), &rows); err != nil {
				f.log.Warn("malformed stream event", zap.Error(err))
			} else {
				onSnapshot(rows)
				got = true
			}
			data.Reset()
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := scanner.Err(); err != nil {
		return got, err
	}
	return got, fmt.Errorf("stream ended")
}
