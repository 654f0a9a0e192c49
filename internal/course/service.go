// Package course manages courses and their weekly schedules.
package course

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/campusface/attendance/internal/apperr"
	"github.com/campusface/attendance/internal/model"
)

type Repository interface {
	List(ctx context.Context, f model.CourseFilter) ([]model.Course, error)
	Get(ctx context.Context, id primitive.ObjectID) (model.Course, error)
	Create(ctx context.Context, c model.Course) (model.Course, error)
	Update(ctx context.Context, id primitive.ObjectID, p model.CoursePatch) (model.Course, error)
	Delete(ctx context.Context, id primitive.ObjectID) (model.Course, error)
}

var weekdays = map[string]string{
	"monday": "Monday", "tuesday": "Tuesday", "wednesday": "Wednesday", "thursday": "Thursday",
	"friday": "Friday", "saturday": "Saturday", "sunday": "Sunday",
}

type Service struct {
	repo Repository
}

// NewService wraps repo with validation.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

func (s *Service) List(ctx context.Context, f model.CourseFilter) ([]model.Course, error) {
	return s.repo.List(ctx, f)
}

func (s *Service) Get(ctx context.Context, id string) (model.Course, error) {
	oid, err := parseID(id)
	if err != nil {
		return model.Course{}, err
	}
	return s.repo.Get(ctx, oid)
}

// Create stores a new active course. courseCode is unique and upper-cased.
func (s *Service) Create(ctx context.Context, c model.Course) (model.Course, error) {
	c.CourseCode = strings.ToUpper(strings.TrimSpace(c.CourseCode))
	c.CourseName = strings.TrimSpace(c.CourseName)
	if c.CourseCode == "" {
		return model.Course{}, fieldError("courseCode", "courseCode is required")
	}
	if c.CourseName == "" {
		return model.Course{}, fieldError("courseName", "courseName is required")
	}
	schedule, err := NormalizeSchedule(c.Schedule)
	if err != nil {
		return model.Course{}, err
	}
	c.Schedule = schedule
	c.IsActive = true
	return s.repo.Create(ctx, c)
}

func (s *Service) Update(ctx context.Context, id string, p model.CoursePatch) (model.Course, error) {
	oid, err := parseID(id)
	if err != nil {
		return model.Course{}, err
	}
	if p.CourseName != nil && strings.TrimSpace(*p.CourseName) == "" {
		return model.Course{}, fieldError("courseName", "courseName cannot be empty")
	}
	if p.Schedule != nil {
		schedule, err := NormalizeSchedule(*p.Schedule)
		if err != nil {
			return model.Course{}, err
		}
		p.Schedule = &schedule
	}
	return s.repo.Update(ctx, oid, p)
}

// Delete removes the course. Attendance rows referencing it are kept.
func (s *Service) Delete(ctx context.Context, id string) (model.Course, error) {
	oid, err := parseID(id)
	if err != nil {
		return model.Course{}, err
	}
	return s.repo.Delete(ctx, oid)
}

// NormalizeSchedule canonicalizes day names and checks that every slot ends after it starts.
func NormalizeSchedule(entries []model.ScheduleEntry) ([]model.ScheduleEntry, error) {
	out := make([]model.ScheduleEntry, 0, len(entries))
	for i, e := range entries {
		day, ok := weekdays[strings.ToLower(strings.TrimSpace(e.Day))]
		if !ok {
			return nil, fieldError(fmt.Sprintf("schedule[%d].day", i), "invalid day "+e.Day)
		}
		start, err := time.Parse("15:04", e.StartTime)
		if err != nil {
			return nil, fieldError(fmt.Sprintf("schedule[%d].startTime", i), "startTime must be HH:MM")
		}
		end, err := time.Parse("15:04", e.EndTime)
		if err != nil {
			return nil, fieldError(fmt.Sprintf("schedule[%d].endTime", i), "endTime must be HH:MM")
		}
		if !end.After(start) {
			return nil, fieldError(fmt.Sprintf("schedule[%d]", i), "endTime must be after startTime")
		}
		out = append(out, model.ScheduleEntry{Day: day, StartTime: start.Format("15:04"), EndTime: end.Format("15:04")})
	}
	return out, nil
}

func parseID(id string) (primitive.ObjectID, error) {
	oid, err := primitive.ObjectIDFromHex(strings.TrimSpace(id))
	if err != nil {
		return primitive.NilObjectID, apperr.BadRequest("invalid course id")
	}
	return oid, nil
}

func fieldError(field, msg string) error {
	e := apperr.BadRequest(msg)
	e.Field = field
	return e
}
