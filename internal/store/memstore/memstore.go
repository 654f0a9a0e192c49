// Package memstore keeps students, courses and attendance in process memory.
// Uniqueness rules match the Mongo indexes so services behave the same on both backends.
package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/campusface/attendance/internal/apperr"
	"github.com/campusface/attendance/internal/model"
)

// DB is the shared backing state for the repositories.
type DB struct {
	mu         sync.RWMutex
	students   map[string]model.Student
	courses    map[primitive.ObjectID]model.Course
	attendance map[primitive.ObjectID]model.Attendance
	now        func() time.Time
}

// Open returns an empty database.
func Open() *DB {
	return &DB{
		students:   make(map[string]model.Student),
		courses:    make(map[primitive.ObjectID]model.Course),
		attendance: make(map[primitive.ObjectID]model.Attendance),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Ping always succeeds.
func (db *DB) Ping(context.Context) error { return nil }

type dayKey struct {
	studentID string
	courseID  primitive.ObjectID
	day       int64
}

func keyOf(a model.Attendance) dayKey {
	return dayKey{studentID: a.StudentID, courseID: a.CourseID, day: a.Day.UnixNano()}
}

// StudentRepository stores students keyed by business id.
type StudentRepository struct{ db *DB }

// NewStudentRepository serves students from db.
func NewStudentRepository(db *DB) *StudentRepository { return &StudentRepository{db: db} }

func (r *StudentRepository) List(_ context.Context, f model.StudentFilter) ([]model.Student, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()

	search := strings.ToLower(f.Search)
	out := make([]model.Student, 0, len(r.db.students))
	for _, st := range r.db.students {
		if f.Department != "" && st.Department != f.Department {
			continue
		}
		if f.Year != 0 && st.Year != f.Year {
			continue
		}
		if f.Section != "" && st.Section != f.Section {
			continue
		}
		if search != "" &&
			!strings.Contains(strings.ToLower(st.Name), search) &&
			!strings.Contains(strings.ToLower(st.StudentID), search) &&
			!strings.Contains(strings.ToLower(st.Email), search) {
			continue
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (r *StudentRepository) Get(_ context.Context, studentID string) (model.Student, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	st, ok := r.db.students[studentID]
	if !ok {
		return model.Student{}, apperr.NotFound("student not found")
	}
	return st, nil
}

func (r *StudentRepository) Create(_ context.Context, st model.Student) (model.Student, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if _, ok := r.db.students[st.StudentID]; ok {
		return model.Student{}, apperr.Conflict("studentId", "A student with this Student ID already exists")
	}
	for _, other := range r.db.students {
		if strings.EqualFold(other.Email, st.Email) {
			return model.Student{}, apperr.Conflict("email", "A student with this email already exists")
		}
	}
	now := r.db.now()
	st.ID = primitive.NewObjectID()
	st.CreatedAt, st.UpdatedAt = now, now
	r.db.students[st.StudentID] = st
	return st, nil
}

func (r *StudentRepository) Update(_ context.Context, studentID string, p model.StudentPatch) (model.Student, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	st, ok := r.db.students[studentID]
	if !ok {
		return model.Student{}, apperr.NotFound("student not found")
	}
	if p.Email != nil && !strings.EqualFold(*p.Email, st.Email) {
		for id, other := range r.db.students {
			if id != studentID && strings.EqualFold(other.Email, *p.Email) {
				return model.Student{}, apperr.Conflict("email", "A student with this email already exists")
			}
		}
	}
	applyStudentPatch(&st, p)
	st.UpdatedAt = r.db.now()
	r.db.students[studentID] = st
	return st, nil
}

func (r *StudentRepository) SetFace(_ context.Context, studentID, photoURL string, at time.Time) (model.Student, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	st, ok := r.db.students[studentID]
	if !ok {
		return model.Student{}, apperr.NotFound("student not found")
	}
	st.HasEnrolledFace = true
	st.PhotoURL = photoURL
	st.LastFaceUpdate = &at
	st.UpdatedAt = r.db.now()
	r.db.students[studentID] = st
	return st, nil
}

func (r *StudentRepository) Delete(_ context.Context, studentID string) (model.Student, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	st, ok := r.db.students[studentID]
	if !ok {
		return model.Student{}, apperr.NotFound("student not found")
	}
	delete(r.db.students, studentID)
	return st, nil
}

func applyStudentPatch(st *model.Student, p model.StudentPatch) {
	if p.Name != nil {
		st.Name = *p.Name
	}
	if p.Email != nil {
		st.Email = *p.Email
	}
	if p.Department != nil {
		st.Department = *p.Department
	}
	if p.Year != nil {
		st.Year = *p.Year
	}
	if p.Section != nil {
		st.Section = *p.Section
	}
	if p.Phone != nil {
		st.Phone = *p.Phone
	}
	if p.IsActive != nil {
		st.IsActive = *p.IsActive
	}
}

// CourseRepository stores courses keyed by object id.
type CourseRepository struct{ db *DB }

// NewCourseRepository serves courses from db.
func NewCourseRepository(db *DB) *CourseRepository { return &CourseRepository{db: db} }

func (r *CourseRepository) List(_ context.Context, f model.CourseFilter) ([]model.Course, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	out := make([]model.Course, 0, len(r.db.courses))
	for _, c := range r.db.courses {
		if f.Department != "" && c.Department != f.Department {
			continue
		}
		if f.Year != 0 && c.Year != f.Year {
			continue
		}
		if f.Section != "" && c.Section != f.Section {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (r *CourseRepository) Get(_ context.Context, id primitive.ObjectID) (model.Course, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	c, ok := r.db.courses[id]
	if !ok {
		return model.Course{}, apperr.NotFound("course not found")
	}
	return c, nil
}

func (r *CourseRepository) Create(_ context.Context, c model.Course) (model.Course, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for _, other := range r.db.courses {
		if other.CourseCode == c.CourseCode {
			return model.Course{}, apperr.Conflict("courseCode", "Course code already exists")
		}
	}
	now := r.db.now()
	c.ID = primitive.NewObjectID()
	c.CreatedAt, c.UpdatedAt = now, now
	r.db.courses[c.ID] = c
	return c, nil
}

func (r *CourseRepository) Update(_ context.Context, id primitive.ObjectID, p model.CoursePatch) (model.Course, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	c, ok := r.db.courses[id]
	if !ok {
		return model.Course{}, apperr.NotFound("course not found")
	}
	if p.CourseName != nil {
		c.CourseName = *p.CourseName
	}
	if p.Department != nil {
		c.Department = *p.Department
	}
	if p.Year != nil {
		c.Year = *p.Year
	}
	if p.Section != nil {
		c.Section = *p.Section
	}
	if p.Faculty != nil {
		c.Faculty = *p.Faculty
	}
	if p.Schedule != nil {
		c.Schedule = *p.Schedule
	}
	if p.IsActive != nil {
		c.IsActive = *p.IsActive
	}
	c.UpdatedAt = r.db.now()
	r.db.courses[id] = c
	return c, nil
}

func (r *CourseRepository) Delete(_ context.Context, id primitive.ObjectID) (model.Course, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	c, ok := r.db.courses[id]
	if !ok {
		return model.Course{}, apperr.NotFound("course not found")
	}
	delete(r.db.courses, id)
	return c, nil
}

// AttendanceRepository stores one row per (student, course, day).
type AttendanceRepository struct{ db *DB }

// NewAttendanceRepository serves attendance rows from db.
func NewAttendanceRepository(db *DB) *AttendanceRepository { return &AttendanceRepository{db: db} }

// UpsertDay inserts rec unless a row for its day exists. With overwrite the existing row
// takes rec's status and method; date and timeIn are never touched.
func (r *AttendanceRepository) UpsertDay(_ context.Context, rec model.Attendance, overwrite bool) (model.Attendance, bool, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	key := keyOf(rec)
	for id, existing := range r.db.attendance {
		if keyOf(existing) != key {
			continue
		}
		if overwrite {
			existing.Status = rec.Status
			existing.Method = rec.Method
			existing.UpdatedAt = r.db.now()
			r.db.attendance[id] = existing
		}
		return existing, false, nil
	}

	now := r.db.now()
	rec.ID = primitive.NewObjectID()
	rec.CreatedAt, rec.UpdatedAt = now, now
	r.db.attendance[rec.ID] = rec
	return rec, true, nil
}

func (r *AttendanceRepository) List(_ context.Context, f model.AttendanceFilter) ([]model.Attendance, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	out := make([]model.Attendance, 0)
	for _, a := range r.db.attendance {
		if f.CourseID != nil && a.CourseID != *f.CourseID {
			continue
		}
		if f.StudentID != "" && a.StudentID != f.StudentID {
			continue
		}
		if !f.From.IsZero() && a.Date.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && !a.Date.Before(f.To) {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.After(out[j].Date) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (r *AttendanceRepository) Delete(_ context.Context, id primitive.ObjectID) (model.Attendance, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	a, ok := r.db.attendance[id]
	if !ok {
		return model.Attendance{}, apperr.NotFound("attendance record not found")
	}
	delete(r.db.attendance, id)
	return a, nil
}
