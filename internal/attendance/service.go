package attendance

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"

	"github.com/campusface/attendance/internal/apperr"
	"github.com/campusface/attendance/internal/cvengine"
	"github.com/campusface/attendance/internal/events"
	"github.com/campusface/attendance/internal/metrics"
	"github.com/campusface/attendance/internal/model"
)

const batchWorkers = 8

const (
	// RecentLimit is the default size of the cross-course live feed.
	RecentLimit    = 10
	MaxRecentLimit = 100
)

// MarkRequest is a single manual mark. Zero Status means present; an explicit
// Status also corrects an existing row for that day.
type MarkRequest struct {
	StudentID  string
	CourseID   string
	Date       *time.Time
	Status     model.Status
	Method     model.Method
	Confidence float64
}

// BatchResult is the per-student outcome of MarkBatch.
type BatchResult struct {
	StudentID string            `json:"studentId"`
	Success   bool              `json:"success"`
	Data      *model.Attendance `json:"data,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// FaceResult is the outcome of server-side recognition followed by marking.
type FaceResult struct {
	Recognized []cvengine.Match `json:"recognized"`
	Results    []BatchResult    `json:"results"`
	Message    string           `json:"message,omitempty"`
}

// Query narrows listings and stats. Range is [From, To); zero bounds are open.
type Query struct {
	CourseID  string
	StudentID string
	From      time.Time
	To        time.Time
}

// Service coordinates marking, queries and change notification.
type Service struct {
	repo     Repository
	students StudentLookup
	courses  CourseLookup
	bus      Publisher
	cv       Recognizer
	loc      *time.Location
	log      *zap.Logger
	now      func() time.Time
}

// NewService wires the attendance service. Days are counted in loc.
func NewService(repo Repository, students StudentLookup, courses CourseLookup, bus Publisher, cv Recognizer, loc *time.Location, log *zap.Logger) *Service {
	if loc == nil {
		loc = time.Local
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		repo:     repo,
		students: students,
		courses:  courses,
		bus:      bus,
		cv:       cv,
		loc:      loc,
		log:      log,
		now:      time.Now,
	}
}

// DayRange returns [midnight, next midnight) around t in loc.
func DayRange(t time.Time, loc *time.Location) (time.Time, time.Time) {
	t = t.In(loc)
	from := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
	return from, from.AddDate(0, 0, 1)
}

// Location is the zone attendance days are counted in.
func (s *Service) Location() *time.Location { return s.loc }

// ParseID parses a hex object id, reporting malformed input as a bad request.
func ParseID(id, what string) (primitive.ObjectID, error) {
	oid, err := primitive.ObjectIDFromHex(strings.TrimSpace(id))
	if err != nil {
		return primitive.NilObjectID, apperr.BadRequest("invalid " + what + " id")
	}
	return oid, nil
}

// Course resolves and returns the course, failing with NotFound when absent.
func (s *Service) Course(ctx context.Context, courseID string) (model.Course, error) {
	oid, err := ParseID(courseID, "course")
	if err != nil {
		return model.Course{}, err
	}
	return s.courses.Get(ctx, oid)
}

// Mark records a single attendance row for today, or for req.Date when set.
func (s *Service) Mark(ctx context.Context, req MarkRequest) (model.Attendance, bool, error) {
	course, err := s.Course(ctx, req.CourseID)
	if err != nil {
		return model.Attendance{}, false, err
	}
	if req.StudentID == "" {
		return model.Attendance{}, false, apperr.BadRequest("studentId is required")
	}
	student, err := s.students.Get(ctx, req.StudentID)
	if err != nil {
		return model.Attendance{}, false, err
	}

	overwrite := req.Status != ""
	status := req.Status
	if status == "" {
		status = model.StatusPresent
	}
	if !status.Valid() {
		return model.Attendance{}, false, apperr.BadRequest("invalid status " + string(status))
	}
	method := req.Method
	if method == "" {
		method = model.MethodManual
	}

	now := s.now()
	date := now
	if req.Date != nil {
		date = *req.Date
	}
	day, _ := DayRange(date, s.loc)

	row, created, err := s.upsert(ctx, model.Attendance{
		StudentID:   student.StudentID,
		StudentName: student.Name,
		CourseID:    course.ID,
		Day:         day,
		Date:        date,
		Status:      status,
		Method:      method,
		TimeIn:      now,
		Confidence:  req.Confidence,
	}, overwrite)
	if err != nil {
		metrics.AttendanceMarks.WithLabelValues(string(method), "failed").Inc()
		return model.Attendance{}, false, err
	}

	outcome := "existing"
	switch {
	case created:
		outcome = "created"
	case overwrite:
		outcome = "updated"
	}
	metrics.AttendanceMarks.WithLabelValues(string(method), outcome).Inc()
	if created || overwrite {
		s.publish(ctx, course.ID.Hex())
	}
	return row, created, nil
}

// MarkBatch marks every listed student present for today. An unknown course fails the
// whole call; unknown students and store errors are reported per item.
func (s *Service) MarkBatch(ctx context.Context, courseID string, studentIDs []string, confidences map[string]float64) ([]BatchResult, error) {
	course, err := s.Course(ctx, courseID)
	if err != nil {
		return nil, err
	}

	ids := dedupe(studentIDs)
	results := make([]BatchResult, len(ids))
	now := s.now()
	day, _ := DayRange(now, s.loc)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		changed bool
		sem     = make(chan struct{}, batchWorkers)
	)
	for i, id := range ids {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, id string) {
			defer wg.Done()
			defer func() { <-sem }()

			res, created := s.markOne(ctx, course, id, day, now, confidences[id])
			results[i] = res
			if created {
				mu.Lock()
				changed = true
				mu.Unlock()
			}
		}(i, id)
	}
	wg.Wait()

	if changed {
		s.publish(ctx, course.ID.Hex())
	}
	return results, nil
}

func (s *Service) markOne(ctx context.Context, course model.Course, studentID string, day, now time.Time, confidence float64) (BatchResult, bool) {
	method := string(model.MethodFaceRecognition)
	student, err := s.students.Get(ctx, studentID)
	if err != nil {
		if apperr.Is(err, apperr.KindNotFound) {
			metrics.AttendanceMarks.WithLabelValues(method, "skipped").Inc()
			return BatchResult{StudentID: studentID, Error: "student not found"}, false
		}
		metrics.AttendanceMarks.WithLabelValues(method, "failed").Inc()
		s.log.Warn("batch mark: student lookup failed", zap.String("student_id", studentID), zap.Error(err))
		return BatchResult{StudentID: studentID, Error: "failed to load student"}, false
	}

	row, created, err := s.upsert(ctx, model.Attendance{
		StudentID:   student.StudentID,
		StudentName: student.Name,
		CourseID:    course.ID,
		Day:         day,
		Date:        now,
		Status:      model.StatusPresent,
		Method:      model.MethodFaceRecognition,
		TimeIn:      now,
		Confidence:  confidence,
	}, false)
	if err != nil {
		metrics.AttendanceMarks.WithLabelValues(method, "failed").Inc()
		s.log.Warn("batch mark: upsert failed", zap.String("student_id", studentID), zap.Error(err))
		return BatchResult{StudentID: studentID, Error: "failed to mark attendance"}, false
	}

	if created {
		metrics.AttendanceMarks.WithLabelValues(method, "created").Inc()
	} else {
		metrics.AttendanceMarks.WithLabelValues(method, "existing").Inc()
	}
	return BatchResult{StudentID: studentID, Success: true, Data: &row}, created
}

// upsert treats a lost duplicate-key race as success by returning the winning row.
func (s *Service) upsert(ctx context.Context, rec model.Attendance, overwrite bool) (model.Attendance, bool, error) {
	row, created, err := s.repo.UpsertDay(ctx, rec, overwrite)
	if err == nil || !apperr.Is(err, apperr.KindConflict) {
		return row, created, err
	}
	_, to := DayRange(rec.Day, s.loc)
	rows, lerr := s.repo.List(ctx, model.AttendanceFilter{CourseID: &rec.CourseID, StudentID: rec.StudentID, From: rec.Day, To: to})
	if lerr != nil {
		return model.Attendance{}, false, fmt.Errorf("reload attendance after conflict: %w", lerr)
	}
	if len(rows) == 0 {
		return model.Attendance{}, false, err
	}
	return rows[0], false, nil
}

// MarkFromImage asks the recognizer who is in the photo, then marks them.
func (s *Service) MarkFromImage(ctx context.Context, courseID string, photo []byte, filename string) (FaceResult, error) {
	if _, err := s.Course(ctx, courseID); err != nil {
		return FaceResult{}, err
	}
	if s.cv == nil {
		return FaceResult{}, apperr.Upstream("recognition is not configured", nil)
	}
	res, err := s.cv.Verify(ctx, photo, filename)
	if err != nil {
		return FaceResult{}, err
	}

	out := FaceResult{Recognized: res.Recognized, Results: []BatchResult{}, Message: res.Message}
	if len(res.Recognized) == 0 {
		if out.Message == "" {
			out.Message = "no students recognized"
		}
		return out, nil
	}

	ids := make([]string, 0, len(res.Recognized))
	conf := make(map[string]float64, len(res.Recognized))
	for _, m := range res.Recognized {
		ids = append(ids, m.StudentID)
		if m.Confidence > conf[m.StudentID] {
			conf[m.StudentID] = m.Confidence
		}
	}
	out.Results, err = s.MarkBatch(ctx, courseID, ids, conf)
	if err != nil {
		return FaceResult{}, err
	}
	return out, nil
}

// Today returns the course's rows dated today.
func (s *Service) Today(ctx context.Context, courseID string) ([]model.Attendance, error) {
	oid, err := ParseID(courseID, "course")
	if err != nil {
		return nil, err
	}
	from, to := DayRange(s.now(), s.loc)
	return s.repo.List(ctx, model.AttendanceFilter{CourseID: &oid, From: from, To: to})
}

// ByCourse returns the course's rows for date, today when nil.
func (s *Service) ByCourse(ctx context.Context, courseID string, date *time.Time) ([]model.Attendance, error) {
	course, err := s.Course(ctx, courseID)
	if err != nil {
		return nil, err
	}
	at := s.now()
	if date != nil {
		at = *date
	}
	from, to := DayRange(at, s.loc)
	return s.repo.List(ctx, model.AttendanceFilter{CourseID: &course.ID, From: from, To: to})
}

// ByStudent returns a student's rows, optionally narrowed to one course and range.
func (s *Service) ByStudent(ctx context.Context, studentID string, q Query) ([]model.Attendance, error) {
	if _, err := s.students.Get(ctx, studentID); err != nil {
		return nil, err
	}
	q.StudentID = studentID
	return s.List(ctx, q)
}

// List returns rows matching q, newest first.
// Recent returns the latest rows across all courses, newest first. limit defaults to
// RecentLimit and is capped at MaxRecentLimit.
func (s *Service) Recent(ctx context.Context, limit int) ([]model.Attendance, error) {
	if limit <= 0 {
		limit = RecentLimit
	}
	if limit > MaxRecentLimit {
		limit = MaxRecentLimit
	}
	rows, err := s.repo.List(ctx, model.AttendanceFilter{Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("list recent attendance: %w", err)
	}
	return rows, nil
}

func (s *Service) List(ctx context.Context, q Query) ([]model.Attendance, error) {
	f := model.AttendanceFilter{StudentID: q.StudentID, From: q.From, To: q.To}
	if q.CourseID != "" {
		oid, err := ParseID(q.CourseID, "course")
		if err != nil {
			return nil, err
		}
		f.CourseID = &oid
	}
	rows, err := s.repo.List(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("list attendance: %w", err)
	}
	return rows, nil
}

// Stats summarises attendance per student. Late counts as attended.
func (s *Service) Stats(ctx context.Context, q Query) ([]model.StudentStats, error) {
	rows, err := s.List(ctx, q)
	if err != nil {
		return nil, err
	}

	byStudent := make(map[string]*model.StudentStats)
	for _, r := range rows {
		st, ok := byStudent[r.StudentID]
		if !ok {
			st = &model.StudentStats{StudentID: r.StudentID, StudentName: r.StudentName}
			byStudent[r.StudentID] = st
		}
		st.TotalClasses++
		switch r.Status {
		case model.StatusPresent:
			st.PresentCount++
		case model.StatusLate:
			st.LateCount++
		case model.StatusAbsent:
			st.AbsentCount++
		}
	}

	out := make([]model.StudentStats, 0, len(byStudent))
	for _, st := range byStudent {
		if st.StudentName == "" {
			if student, err := s.students.Get(ctx, st.StudentID); err == nil {
				st.StudentName = student.Name
			}
		}
		attended := float64(st.PresentCount + st.LateCount)
		st.AttendancePercentage = math.Round(attended/float64(st.TotalClasses)*10000) / 100
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StudentID < out[j].StudentID })
	return out, nil
}

// Delete removes one row and notifies the course's subscribers.
func (s *Service) Delete(ctx context.Context, id string) (model.Attendance, error) {
	oid, err := ParseID(id, "attendance")
	if err != nil {
		return model.Attendance{}, err
	}
	row, err := s.repo.Delete(ctx, oid)
	if err != nil {
		return model.Attendance{}, err
	}
	s.publish(ctx, row.CourseID.Hex())
	return row, nil
}

func (s *Service) publish(ctx context.Context, courseID string) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(ctx, events.Event{CourseID: courseID}); err != nil {
		s.log.Warn("publish attendance change failed", zap.String("course_id", courseID), zap.Error(err))
	}
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
