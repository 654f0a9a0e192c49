package attendance

import (
	"context"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/campusface/attendance/internal/cvengine"
	"github.com/campusface/attendance/internal/events"
	"github.com/campusface/attendance/internal/model"
)

// Repository persists one attendance row per (student, course, day).
// Both mongostore and memstore implement it.
type Repository interface {
	UpsertDay(ctx context.Context, rec model.Attendance, overwrite bool) (model.Attendance, bool, error)
	List(ctx context.Context, f model.AttendanceFilter) ([]model.Attendance, error)
	Delete(ctx context.Context, id primitive.ObjectID) (model.Attendance, error)
}

// StudentLookup resolves students by business key.
type StudentLookup interface {
	Get(ctx context.Context, studentID string) (model.Student, error)
}

// CourseLookup resolves courses by object id.
type CourseLookup interface {
	Get(ctx context.Context, id primitive.ObjectID) (model.Course, error)
}

// Publisher announces attendance changes to stream subscribers.
type Publisher interface {
	Publish(ctx context.Context, evt events.Event) error
}

// Recognizer identifies students in a photo.
type Recognizer interface {
	Verify(ctx context.Context, photo []byte, filename string) (*cvengine.VerifyResult, error)
}
