// Package student manages student records together with their enrolled face photo.
package student

import (
	"context"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/campusface/attendance/internal/apperr"
	"github.com/campusface/attendance/internal/cvengine"
	"github.com/campusface/attendance/internal/model"
)

// Repository persists students by business key.
type Repository interface {
	List(ctx context.Context, f model.StudentFilter) ([]model.Student, error)
	Get(ctx context.Context, studentID string) (model.Student, error)
	Create(ctx context.Context, st model.Student) (model.Student, error)
	Update(ctx context.Context, studentID string, p model.StudentPatch) (model.Student, error)
	SetFace(ctx context.Context, studentID, photoURL string, at time.Time) (model.Student, error)
	Delete(ctx context.Context, studentID string) (model.Student, error)
}

// PhotoStore keeps the canonical photo file per student.
type PhotoStore interface {
	Save(studentID string, r io.Reader) ([]byte, error)
	Delete(studentID string) error
	URL(studentID string) string
}

// Enroller keeps the recognizer's enrolled set in step with local photos.
type Enroller interface {
	Enroll(ctx context.Context, studentID string, photo []byte, filename string) (*cvengine.EnrollResult, error)
	DeleteStudent(ctx context.Context, studentID string) error
}

// PhotoResult reports an upload. Enrolled is false when the recognizer refused or was unreachable;
// the local photo and student record are kept either way.
type PhotoResult struct {
	Student       model.Student `json:"student"`
	PhotoURL      string        `json:"photoUrl"`
	Enrolled      bool          `json:"enrolled"`
	EnrollMessage string        `json:"enrollMessage,omitempty"`
}

type Service struct {
	repo   Repository
	photos PhotoStore
	cv     Enroller
	log    *zap.Logger
	now    func() time.Time
}

// NewService wires the student service. A nil log discards output.
func NewService(repo Repository, photos PhotoStore, cv Enroller, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{repo: repo, photos: photos, cv: cv, log: log, now: time.Now}
}

func (s *Service) List(ctx context.Context, f model.StudentFilter) ([]model.Student, error) {
	f.Search = strings.TrimSpace(f.Search)
	return s.repo.List(ctx, f)
}

func (s *Service) Get(ctx context.Context, studentID string) (model.Student, error) {
	return s.repo.Get(ctx, studentID)
}

// Create registers a new active student. studentId and email must be unique.
func (s *Service) Create(ctx context.Context, st model.Student) (model.Student, error) {
	st.StudentID = strings.TrimSpace(st.StudentID)
	st.Name = strings.TrimSpace(st.Name)
	st.Email = normalizeEmail(st.Email)
	switch {
	case st.StudentID == "":
		return model.Student{}, fieldError("studentId", "studentId is required")
	case st.Name == "":
		return model.Student{}, fieldError("name", "name is required")
	case !strings.Contains(st.Email, "@"):
		return model.Student{}, fieldError("email", "a valid email is required")
	}
	st.IsActive = true
	st.HasEnrolledFace = false
	st.PhotoURL = ""
	st.LastFaceUpdate = nil
	return s.repo.Create(ctx, st)
}

// Update applies p. The studentId itself never changes.
func (s *Service) Update(ctx context.Context, studentID string, p model.StudentPatch) (model.Student, error) {
	if p.Email != nil {
		email := normalizeEmail(*p.Email)
		if !strings.Contains(email, "@") {
			return model.Student{}, fieldError("email", "a valid email is required")
		}
		p.Email = &email
	}
	if p.Name != nil && strings.TrimSpace(*p.Name) == "" {
		return model.Student{}, fieldError("name", "name cannot be empty")
	}
	return s.repo.Update(ctx, studentID, p)
}

// UploadPhoto stores the student's photo, flags the face as enrolled and forwards
// the image to the recognizer. Enrollment failure is logged, not returned.
func (s *Service) UploadPhoto(ctx context.Context, studentID string, r io.Reader) (PhotoResult, error) {
	if _, err := s.repo.Get(ctx, studentID); err != nil {
		return PhotoResult{}, err
	}
	data, err := s.photos.Save(studentID, r)
	if err != nil {
		return PhotoResult{}, err
	}

	st, err := s.repo.SetFace(ctx, studentID, s.photos.URL(studentID), s.now().UTC())
	if err != nil {
		if apperr.Is(err, apperr.KindNotFound) {
			if derr := s.photos.Delete(studentID); derr != nil {
				s.log.Warn("remove orphaned photo failed", zap.String("student_id", studentID), zap.Error(derr))
			}
		}
		return PhotoResult{}, err
	}

	out := PhotoResult{Student: st, PhotoURL: st.PhotoURL}
	if s.cv == nil {
		return out, nil
	}
	res, err := s.cv.Enroll(ctx, studentID, data, studentID+".jpg")
	switch {
	case err != nil:
		s.log.Warn("face enrollment failed", zap.String("student_id", studentID), zap.Error(err))
		out.EnrollMessage = "photo saved; face enrollment failed"
	case !res.Success:
		s.log.Warn("face enrollment rejected", zap.String("student_id", studentID), zap.String("message", res.Message))
		out.EnrollMessage = res.Message
	default:
		out.Enrolled = true
		out.EnrollMessage = res.Message
	}
	return out, nil
}

// Delete removes the recognizer's embedding, the photo file and the record.
func (s *Service) Delete(ctx context.Context, studentID string) (model.Student, error) {
	st, err := s.repo.Get(ctx, studentID)
	if err != nil {
		return model.Student{}, err
	}
	if st.HasEnrolledFace && s.cv != nil {
		if err := s.cv.DeleteStudent(ctx, studentID); err != nil {
			s.log.Warn("recognizer delete failed", zap.String("student_id", studentID), zap.Error(err))
		}
	}
	if err := s.photos.Delete(studentID); err != nil {
		s.log.Warn("photo delete failed", zap.String("student_id", studentID), zap.Error(err))
	}
	return s.repo.Delete(ctx, studentID)
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func fieldError(field, msg string) error {
	e := apperr.BadRequest(msg)
	e.Field = field
	return e
}
