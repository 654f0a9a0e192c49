package live

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campusface/attendance/internal/attendance"
	"github.com/campusface/attendance/internal/cvengine"
	"github.com/campusface/attendance/internal/model"
)

type fakeCamera struct {
	name   string
	mu     sync.Mutex
	open   bool
	opened int
}

func (c *fakeCamera) Name() string { return c.name }

func (c *fakeCamera) Open(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.open {
		return ErrCameraBusy
	}
	c.open = true
	c.opened++
	return nil
}

func (c *fakeCamera) Frame(context.Context) (image.Image, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return nil, ErrCameraClosed
	}
	return image.NewGray(image.Rect(0, 0, 8, 8)), nil
}

func (c *fakeCamera) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.open = false
	return nil
}

func (c *fakeCamera) isOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

// slowRecognizer blocks every call until release is closed and tracks overlap.
type slowRecognizer struct {
	release  chan struct{}
	current  atomic.Int32
	peak     atomic.Int32
	calls    atomic.Int32
	response []cvengine.Match
}

func (r *slowRecognizer) Verify(ctx context.Context, _ []byte, _ string) (*cvengine.VerifyResult, error) {
	n := r.current.Add(1)
	defer r.current.Add(-1)
	for {
		p := r.peak.Load()
		if n <= p || r.peak.CompareAndSwap(p, n) {
			break
		}
	}
	r.calls.Add(1)
	select {
	case <-r.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &cvengine.VerifyResult{Success: true, Recognized: r.response}, nil
}

type recordingMarker struct {
	mu    sync.Mutex
	calls [][]string
}

func (m *recordingMarker) MarkBatch(_ context.Context, _ string, ids []string, conf map[string]float64) ([]attendance.BatchResult, error) {
	m.mu.Lock()
	m.calls = append(m.calls, ids)
	m.mu.Unlock()
	out := make([]attendance.BatchResult, 0, len(ids))
	for _, id := range ids {
		if id == "ghost" {
			out = append(out, attendance.BatchResult{StudentID: id, Error: "student not found"})
			continue
		}
		out = append(out, attendance.BatchResult{StudentID: id, Success: true, Data: &model.Attendance{StudentID: id, StudentName: "Name " + id, Confidence: conf[id]}})
	}
	return out, nil
}

func (m *recordingMarker) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func TestRegistryLifecycle(t *testing.T) {
	reg := NewRegistry()
	cam := &fakeCamera{name: "cam0"}
	ctx := context.Background()

	g, err := reg.Acquire(ctx, cam)
	require.NoError(t, err)
	assert.Equal(t, 1, reg.Active())

	_, err = reg.Acquire(ctx, cam)
	assert.ErrorIs(t, err, ErrCameraBusy)

	require.NoError(t, g.Release())
	require.NoError(t, g.Release())
	assert.Equal(t, 0, reg.Active())
	assert.False(t, cam.isOpen())

	g2, err := reg.Acquire(ctx, cam)
	require.NoError(t, err)
	reg.ReleaseAll()
	assert.Equal(t, 0, reg.Active())
	assert.NoError(t, g2.Release())
}

func TestRosterDedupes(t *testing.T) {
	r := NewRoster()
	added := r.Merge([]Entry{{StudentID: "S1"}, {StudentID: "S2"}, {StudentID: "S1"}})
	assert.Len(t, added, 2)
	added = r.Merge([]Entry{{StudentID: "S2"}, {StudentID: "S3"}})
	require.Len(t, added, 1)
	assert.Equal(t, "S3", added[0].StudentID)
	assert.Equal(t, 3, r.Len())

	r.ReplaceConfirmed([]model.Attendance{{StudentID: "S2", StudentName: "Bob"}, {StudentID: "S4"}})
	snap := r.Snapshot()
	ids := make([]string, 0, len(snap))
	for _, e := range snap {
		ids = append(ids, e.StudentID)
	}
	assert.Equal(t, []string{"S2", "S4", "S1", "S3"}, ids)
	assert.True(t, snap[0].Confirmed)
	assert.False(t, snap[2].Confirmed)

	// S4 came from the feed; the first local mark still announces it.
	added = r.Merge([]Entry{{StudentID: "S4", Confidence: 0.7}})
	require.Len(t, added, 1)
	assert.True(t, added[0].Confirmed)
	assert.Equal(t, 0.7, added[0].Confidence)
	assert.Equal(t, 4, r.Len())
	assert.Empty(t, r.Merge([]Entry{{StudentID: "S4"}}))
}

// feedFirstMarker delivers the server's snapshot before its own response, as
// happens when the stream push outruns the mark reply.
type feedFirstMarker struct {
	roster *Roster
}

func (m *feedFirstMarker) MarkBatch(_ context.Context, _ string, ids []string, conf map[string]float64) ([]attendance.BatchResult, error) {
	rows := make([]model.Attendance, 0, len(ids))
	out := make([]attendance.BatchResult, 0, len(ids))
	for _, id := range ids {
		row := model.Attendance{StudentID: id, StudentName: "Name " + id, Confidence: conf[id], TimeIn: time.Now()}
		rows = append(rows, row)
		out = append(out, attendance.BatchResult{StudentID: id, Success: true, Data: &row})
	}
	m.roster.ReplaceConfirmed(rows)
	return out, nil
}

func TestCycleAnnouncesWhenFeedArrivesFirst(t *testing.T) {
	cam := &fakeCamera{name: "cam0"}
	require.NoError(t, cam.Open(context.Background()))
	cv := &slowRecognizer{release: make(chan struct{}), response: []cvengine.Match{{StudentID: "S1", Confidence: 0.9}}}
	close(cv.release)
	marker := &feedFirstMarker{}
	s := NewSession(Config{CourseID: "c1"}, cam, NewRegistry(), cv, marker, nil, nil)
	marker.roster = s.Roster()

	var announced []Entry
	s.OnMarked = func(e []Entry) { announced = append(announced, e...) }

	s.cycle(context.Background())
	require.Len(t, announced, 1)
	assert.Equal(t, "S1", announced[0].StudentID)
	n, ok := s.Notice()
	require.True(t, ok)
	assert.Equal(t, "S1", n.StudentID)
	assert.Equal(t, 1, s.Roster().Len())

	s.cycle(context.Background())
	assert.Len(t, announced, 1)
}

func TestTickSkipsWhileCycleInFlight(t *testing.T) {
	cam := &fakeCamera{name: "cam0"}
	require.NoError(t, cam.Open(context.Background()))
	cv := &slowRecognizer{release: make(chan struct{}), response: []cvengine.Match{{StudentID: "S1", Confidence: 0.9}}}
	marker := &recordingMarker{}
	s := NewSession(Config{CourseID: "c1"}, cam, NewRegistry(), cv, marker, nil, nil)
	ctx := context.Background()

	assert.True(t, s.Tick(ctx))
	require.Eventually(t, func() bool { return cv.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	for i := 0; i < 5; i++ {
		assert.False(t, s.Tick(ctx))
	}
	assert.Equal(t, int64(5), s.Skipped())
	assert.Equal(t, StateAwaitingRecognizer, s.State())

	close(cv.release)
	require.Eventually(t, func() bool { return marker.count() == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return !s.inflight.Load() }, time.Second, 5*time.Millisecond)

	assert.True(t, s.Tick(ctx))
	require.Eventually(t, func() bool { return marker.count() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), cv.peak.Load())
	assert.Equal(t, 1, s.Roster().Len())
}

func TestCycleMergesAndNotices(t *testing.T) {
	cam := &fakeCamera{name: "cam0"}
	require.NoError(t, cam.Open(context.Background()))
	cv := &slowRecognizer{release: make(chan struct{}), response: []cvengine.Match{
		{StudentID: "S1", Confidence: 0.7}, {StudentID: "ghost", Confidence: 0.6}, {StudentID: "S2", Confidence: 0.8}, {StudentID: "S1", Confidence: 0.9},
	}}
	close(cv.release)
	marker := &recordingMarker{}
	s := NewSession(Config{CourseID: "c1", NoticeTTL: 50 * time.Millisecond}, cam, NewRegistry(), cv, marker, nil, nil)

	var got []Entry
	var mu sync.Mutex
	s.OnMarked = func(e []Entry) {
		mu.Lock()
		got = append(got, e...)
		mu.Unlock()
	}

	s.cycle(context.Background())
	require.Len(t, marker.calls, 1)
	assert.Equal(t, []string{"S1", "ghost", "S2"}, marker.calls[0])

	snap := s.Roster().Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, 0.9, snap[0].Confidence)

	n, ok := s.Notice()
	require.True(t, ok)
	assert.Equal(t, "S2", n.StudentID)
	assert.Eventually(t, func() bool { _, ok := s.Notice(); return !ok }, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Len(t, got, 2)
	mu.Unlock()
	assert.Equal(t, StateStreaming, s.State())
}

func TestStopReleasesCameraAndAllowsReacquire(t *testing.T) {
	reg := NewRegistry()
	cam := &fakeCamera{name: "cam0"}
	cv := &slowRecognizer{release: make(chan struct{})}
	marker := &recordingMarker{}

	for round := 0; round < 2; round++ {
		s := NewSession(Config{CourseID: "c1", Interval: 5 * time.Millisecond}, cam, reg, cv, marker, nil, nil)
		done := make(chan error, 1)
		go func() { done <- s.Run(context.Background()) }()

		require.Eventually(t, func() bool { return cv.calls.Load() > int32(round) }, time.Second, 5*time.Millisecond)
		assert.Equal(t, 1, reg.Active())

		s.Stop()
		s.Stop()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("Run did not return after Stop")
		}
		assert.Equal(t, 0, reg.Active())
		assert.False(t, cam.isOpen())
		assert.Equal(t, StateStopped, s.State())
		assert.False(t, s.Tick(context.Background()))
	}
	assert.Equal(t, 2, cam.opened)
}

func TestRunFailsWhenCameraHeld(t *testing.T) {
	reg := NewRegistry()
	cam := &fakeCamera{name: "cam0"}
	g, err := reg.Acquire(context.Background(), cam)
	require.NoError(t, err)
	defer g.Release()

	s := NewSession(Config{CourseID: "c1"}, cam, reg, &slowRecognizer{}, &recordingMarker{}, nil, nil)
	assert.ErrorIs(t, s.Run(context.Background()), ErrCameraBusy)
	assert.Equal(t, 1, reg.Active())

	assert.ErrorIs(t, s.Run(context.Background()), ErrSessionStopped)
}

func TestFeedReconnectsAndDeliversSnapshots(t *testing.T) {
	var conns atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/attendance/stream/c1", r.URL.Path)
		n := conns.Add(1)
		w.Header().Set("Content-Type", "text/event-stream")
		rows := []model.Attendance{{StudentID: fmt.Sprintf("S%d", n)}}
		data, _ := json.Marshal(rows)
		fmt.Fprintf(w, ": ping\n\ndata:%s\n\n", data)
	}))
	defer srv.Close()

	f := NewFeed(srv.URL, "c1", "", nil)
	f.Retry = 5 * time.Millisecond
	f.MaxRetry = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	got := make(chan string, 10)
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.Run(ctx, func(rows []model.Attendance) {
			select {
			case got <- rows[0].StudentID:
			default:
			}
		})
	}()

	assert.Equal(t, "S1", <-got)
	assert.Equal(t, "S2", <-got)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("feed did not stop")
	}
}

func TestAPIClientMarkBatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/attendance/mark/face-recognition", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		var body struct {
			CourseID    string             `json:"courseId"`
			StudentIDs  []string           `json:"studentIds"`
			Confidences map[string]float64 `json:"confidences"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "c1", body.CourseID)
		assert.Equal(t, 0.9, body.Confidences["S1"])
		_, _ = w.Write([]byte(`{"success":true,"results":[{"studentId":"S1","success":true,"data":{"studentId":"S1","status":"present"}}]}`))
	}))
	defer srv.Close()

	res, err := NewAPIClient(srv.URL+"/", "tok", time.Second).MarkBatch(context.Background(), "c1", []string{"S1"}, map[string]float64{"S1": 0.9})
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, model.StatusPresent, res[0].Data.Status)
}

func TestAPIClientError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"success":false,"message":"course not found"}`))
	}))
	defer srv.Close()

	_, err := NewAPIClient(srv.URL, "", time.Second).MarkBatch(context.Background(), "c1", []string{"S1"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "course not found")
}

func TestDirCamera(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.png", "a.png", "notes.txt"} {
		f, err := os.Create(filepath.Join(dir, name))
		require.NoError(t, err)
		if filepath.Ext(name) == ".png" {
			w := 4
			if name == "b.png" {
				w = 6
			}
			require.NoError(t, png.Encode(f, image.NewGray(image.Rect(0, 0, w, 2))))
		}
		require.NoError(t, f.Close())
	}

	cam := NewDirCamera(dir)
	_, err := cam.Frame(context.Background())
	assert.ErrorIs(t, err, ErrCameraClosed)

	require.NoError(t, cam.Open(context.Background()))
	assert.ErrorIs(t, cam.Open(context.Background()), ErrCameraBusy)
	widths := []int{}
	for i := 0; i < 3; i++ {
		img, err := cam.Frame(context.Background())
		require.NoError(t, err)
		widths = append(widths, img.Bounds().Dx())
	}
	assert.Equal(t, []int{4, 6, 4}, widths)
	require.NoError(t, cam.Close())
}

func TestSnapshotCamera(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = png.Encode(w, image.NewGray(image.Rect(0, 0, 5, 5)))
	}))
	defer srv.Close()

	cam := NewSnapshotCamera(srv.URL, time.Second)
	require.NoError(t, cam.Open(context.Background()))
	img, err := cam.Frame(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, img.Bounds().Dx())
	require.NoError(t, cam.Close())
	_, err = cam.Frame(context.Background())
	assert.ErrorIs(t, err, ErrCameraClosed)
}
