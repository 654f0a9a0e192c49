package handler

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campusface/attendance/internal/attendance"
	"github.com/campusface/attendance/internal/events"
	"github.com/campusface/attendance/internal/model"
	"github.com/campusface/attendance/internal/store/memstore"
)

// readEvent returns the data payload of the next SSE event, skipping comments.
func readEvent(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	var data []string
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\r\n")
		switch {
		case line == "":
			if len(data) > 0 {
				return strings.Join(data, "\n")
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
}

func openStream(t *testing.T, ctx context.Context, url string) (*http.Response, *bufio.Reader) {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp, bufio.NewReader(resp.Body)
}

func decodeRows(t *testing.T, data string) []map[string]any {
	t.Helper()
	var rows []map[string]any
	require.NoError(t, json.Unmarshal([]byte(data), &rows), data)
	return rows
}

func TestStreamFirstEventIsTodaysRowsForCourse(t *testing.T) {
	env := newEnv(t, nil)
	courseID := env.createCourse(t, "CS101")
	otherID := env.createCourse(t, "CS102")
	env.createStudent(t, "S1", "s1@x.com")
	env.createStudent(t, "S2", "s2@x.com")

	ctx := context.Background()
	yesterday := time.Now().AddDate(0, 0, -1)
	_, _, err := env.attendance.Mark(ctx, attendance.MarkRequest{StudentID: "S2", CourseID: courseID, Date: &yesterday})
	require.NoError(t, err)
	_, err = env.attendance.MarkBatch(ctx, otherID, []string{"S2"}, nil)
	require.NoError(t, err)
	_, err = env.attendance.MarkBatch(ctx, courseID, []string{"S1"}, nil)
	require.NoError(t, err)

	srv := httptest.NewServer(env.router)
	defer srv.Close()
	reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	resp, r := openStream(t, reqCtx, srv.URL+"/attendance/stream/"+courseID)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.Equal(t, "no-cache", resp.Header.Get("Cache-Control"))

	rows := decodeRows(t, readEvent(t, r))
	require.Len(t, rows, 1)
	assert.Equal(t, "S1", rows[0]["studentId"])
	assert.Equal(t, courseID, rows[0]["courseId"])
}

func TestStreamPushesAfterMark(t *testing.T) {
	env := newEnv(t, nil)
	courseID := env.createCourse(t, "CS101")
	env.createStudent(t, "S1", "s1@x.com")

	srv := httptest.NewServer(env.router)
	defer srv.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, r := openStream(t, ctx, srv.URL+"/api/attendance/stream/"+courseID)
	assert.Empty(t, decodeRows(t, readEvent(t, r)))

	w, _ := env.do(t, http.MethodPost, "/attendance", gin.H{"courseId": courseID, "studentIds": []string{"S1"}})
	require.Equal(t, http.StatusOK, w.Code)

	rows := decodeRows(t, readEvent(t, r))
	require.Len(t, rows, 1)
	assert.Equal(t, "S1", rows[0]["studentId"])
}

func TestStreamReleasesSubscriptionOnDisconnect(t *testing.T) {
	env := newEnv(t, nil)
	courseID := env.createCourse(t, "CS101")

	srv := httptest.NewServer(env.router)
	defer srv.Close()

	for i := 0; i < 3; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, r := openStream(t, ctx, srv.URL+"/attendance/stream/"+courseID)
		readEvent(t, r)
		assert.Equal(t, 1, env.hub.Subscribers(courseID))
		cancel()
		assert.Eventually(t, func() bool { return env.hub.Subscribers(courseID) == 0 }, 2*time.Second, 10*time.Millisecond)
	}
}

func TestStreamUnknownCourse(t *testing.T) {
	env := newEnv(t, nil)
	w, res := env.do(t, http.MethodGet, "/attendance/stream/65f0c0ffee0000000000beef", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.False(t, res.Success)

	w, _ = env.do(t, http.MethodGet, "/attendance/stream/nope", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStreamHeartbeat(t *testing.T) {
	env := newEnv(t, func(d *Deps) { d.Heartbeat = 20 * time.Millisecond })
	courseID := env.createCourse(t, "CS101")

	srv := httptest.NewServer(env.router)
	defer srv.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, r := openStream(t, ctx, srv.URL+"/attendance/stream/"+courseID)
	readEvent(t, r)
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, ": ping\n", line)
}

// brokenList fails every read.
type brokenList struct {
	attendance.Repository
}

func (brokenList) List(context.Context, model.AttendanceFilter) ([]model.Attendance, error) {
	return nil, errors.New("read timed out")
}

func TestStreamFailsWhenFirstSnapshotFails(t *testing.T) {
	ctx := context.Background()
	db := memstore.Open()
	courses := memstore.NewCourseRepository(db)
	c, err := courses.Create(ctx, model.Course{CourseCode: "CS101", CourseName: "Intro"})
	require.NoError(t, err)

	hub := events.NewHub()
	svc := attendance.NewService(brokenList{memstore.NewAttendanceRepository(db)}, memstore.NewStudentRepository(db), courses, hub, nil, time.UTC, nil)
	env := newEnv(t, func(d *Deps) {
		d.Attendance = svc
		d.Bus = hub
	})

	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/attendance/stream/"+c.ID.Hex(), nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotEqual(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Body.String(), `"success":false`)
	assert.Equal(t, 0, hub.Subscribers(c.ID.Hex()))
}
