package live

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"

	"github.com/campusface/attendance/internal/attendance"
	"github.com/campusface/attendance/internal/cvengine"
)

// ErrSessionStopped is returned by Run on a session that was already stopped.
var ErrSessionStopped = errors.New("session stopped")

// Recognizer identifies students in a frame.
type Recognizer interface {
	Verify(ctx context.Context, photo []byte, filename string) (*cvengine.VerifyResult, error)
}

// Marker persists attendance for recognized students. Both APIClient and
// attendance.Service satisfy it.
type Marker interface {
	MarkBatch(ctx context.Context, courseID string, studentIDs []string, confidences map[string]float64) ([]attendance.BatchResult, error)
}

// State is the session's position in its capture cycle.
type State int32

const (
	StateIdle State = iota
	StateInitializing
	StateStreaming
	StateCapturing
	StateAwaitingRecognizer
	StateReconciling
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateStreaming:
		return "streaming"
	case StateCapturing:
		return "capturing"
	case StateAwaitingRecognizer:
		return "awaiting_recognizer"
	case StateReconciling:
		return "reconciling"
	case StateStopped:
		return "stopped"
	default:
		return "idle"
	}
}

// Config tunes a session. Zero values take the defaults.
type Config struct {
	CourseID    string
	Interval    time.Duration // 5s
	NoticeTTL   time.Duration // 3s
	JPEGQuality int           // 90
}

// Session owns one camera grant and at most one capture cycle in flight.
type Session struct {
	cfg    Config
	cam    Camera
	reg    *Registry
	cv     Recognizer
	marker Marker
	feed   *Feed
	roster *Roster
	log    *zap.Logger

	// OnMarked is called with students newly added to the roster.
	OnMarked func([]Entry)

	state    atomic.Int32
	inflight atomic.Bool
	skipped  atomic.Int64
	cycles   sync.WaitGroup

	mu         sync.Mutex
	stopped    bool
	cancel     context.CancelFunc
	ticker     *time.Ticker
	grant      *Grant
	feedCancel context.CancelFunc
	feedDone   chan struct{}
	notice     *Entry
	noticeTmr  *time.Timer
	stopOnce   sync.Once
}

// NewSession wires a session. feed may be nil to skip following the server stream.
func NewSession(cfg Config, cam Camera, reg *Registry, cv Recognizer, marker Marker, feed *Feed, log *zap.Logger) *Session {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.NoticeTTL <= 0 {
		cfg.NoticeTTL = 3 * time.Second
	}
	if cfg.JPEGQuality <= 0 || cfg.JPEGQuality > 100 {
		cfg.JPEGQuality = 90
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Session{
		cfg:    cfg,
		cam:    cam,
		reg:    reg,
		cv:     cv,
		marker: marker,
		feed:   feed,
		roster: NewRoster(),
		log:    log.With(zap.String("course_id", cfg.CourseID), zap.String("camera", cam.Name())),
	}
}

// State reports where the session is in its lifecycle.
func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) setState(st State) { s.state.Store(int32(st)) }

// Roster is the session's live list of present students.
func (s *Session) Roster() *Roster { return s.roster }

// Skipped counts ticks dropped because a cycle was still in flight.
func (s *Session) Skipped() int64 { return s.skipped.Load() }

// Notice returns the "just marked" entry while it is still showing.
func (s *Session) Notice() (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.notice == nil {
		return Entry{}, false
	}
	return *s.notice, true
}

// Run acquires the camera and ticks until ctx ends or Stop is called. The camera is
// released before Run returns.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		cancel()
		return ErrSessionStopped
	}
	s.cancel = cancel
	s.mu.Unlock()
	defer s.Stop()

	s.setState(StateInitializing)
	grant, err := s.reg.Acquire(ctx, s.cam)
	if err != nil {
		return err
	}
	ticker := time.NewTicker(s.cfg.Interval)

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		ticker.Stop()
		return grant.Release()
	}
	s.grant = grant
	s.ticker = ticker
	if s.feed != nil {
		feedCtx, feedCancel := context.WithCancel(ctx)
		done := make(chan struct{})
		s.feedCancel, s.feedDone = feedCancel, done
		go func() {
			defer close(done)
			s.feed.Run(feedCtx, s.roster.ReplaceConfirmed)
		}()
	}
	s.mu.Unlock()

	s.setState(StateStreaming)
	s.log.Info("live session started", zap.Duration("interval", s.cfg.Interval))

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick starts a capture cycle unless one is already in flight, in which case the
// tick is dropped. It reports whether a cycle was started.
func (s *Session) Tick(ctx context.Context) bool {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return false
	}
	if !s.inflight.CompareAndSwap(false, true) {
		s.mu.Unlock()
		s.skipped.Add(1)
		s.log.Debug("tick skipped, cycle in flight")
		return false
	}
	s.cycles.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.cycles.Done()
		defer s.inflight.Store(false)
		s.cycle(ctx)
	}()
	return true
}

// cycle captures, recognizes and marks once. Failures are logged and the next tick retries.
func (s *Session) cycle(ctx context.Context) {
	defer func() {
		if s.State() != StateStopped {
			s.setState(StateStreaming)
		}
	}()

	s.setState(StateCapturing)
	img, err := s.cam.Frame(ctx)
	if err != nil {
		s.log.Warn("capture failed", zap.Error(err))
		return
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(s.cfg.JPEGQuality)); err != nil {
		s.log.Warn("encode frame failed", zap.Error(err))
		return
	}

	s.setState(StateAwaitingRecognizer)
	res, err := s.cv.Verify(ctx, buf.Bytes(), "frame.jpg")
	if err != nil {
		s.log.Warn("recognition failed", zap.Error(err))
		return
	}
	if !res.Success || len(res.Recognized) == 0 {
		return
	}

	ids := make([]string, 0, len(res.Recognized))
	conf := make(map[string]float64, len(res.Recognized))
	for _, m := range res.Recognized {
		if _, seen := conf[m.StudentID]; !seen {
			ids = append(ids, m.StudentID)
		}
		if m.Confidence > conf[m.StudentID] {
			conf[m.StudentID] = m.Confidence
		}
	}

	s.setState(StateReconciling)
	results, err := s.marker.MarkBatch(ctx, s.cfg.CourseID, ids, conf)
	if err != nil {
		s.log.Warn("mark attendance failed", zap.Strings("student_ids", ids), zap.Error(err))
		return
	}

	var marked []Entry
	for _, r := range results {
		if !r.Success || r.Data == nil {
			if r.Error != "" {
				s.log.Info("student not marked", zap.String("student_id", r.StudentID), zap.String("reason", r.Error))
			}
			continue
		}
		marked = append(marked, Entry{
			StudentID:   r.StudentID,
			StudentName: r.Data.StudentName,
			Confidence:  conf[r.StudentID],
			MarkedAt:    r.Data.TimeIn,
		})
	}
	added := s.roster.Merge(marked)
	if len(added) == 0 {
		return
	}
	s.showNotice(added[len(added)-1])
	if s.OnMarked != nil {
		s.OnMarked(added)
	}
}

func (s *Session) showNotice(e Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.noticeTmr != nil {
		s.noticeTmr.Stop()
	}
	s.notice = &e
	var tmr *time.Timer
	tmr = time.AfterFunc(s.cfg.NoticeTTL, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.noticeTmr == tmr {
			s.notice = nil
			s.noticeTmr = nil
		}
	})
	s.noticeTmr = tmr
}

// Stop ends the session: stop the ticker, close the feed, wait for the cycle in
// flight, then release the camera. Safe to call more than once and from any goroutine.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		if s.ticker != nil {
			s.ticker.Stop()
		}
		feedCancel, feedDone := s.feedCancel, s.feedDone
		cancel := s.cancel
		s.mu.Unlock()

		if feedCancel != nil {
			feedCancel()
			<-feedDone
		}
		if cancel != nil {
			cancel()
		}
		s.cycles.Wait()

		s.mu.Lock()
		grant := s.grant
		s.grant = nil
		if s.noticeTmr != nil {
			s.noticeTmr.Stop()
			s.noticeTmr = nil
		}
		s.notice = nil
		s.mu.Unlock()

		if grant != nil {
			if err := grant.Release(); err != nil {
				s.log.Warn("camera release failed", zap.Error(err))
			}
		}
		s.setState(StateStopped)
		s.log.Info("live session stopped", zap.Int64("skipped_ticks", s.skipped.Load()))
	})
}
