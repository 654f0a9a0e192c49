// Package handler exposes the REST and SSE API over gin.
package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/campusface/attendance/internal/apperr"
	"github.com/campusface/attendance/internal/attendance"
	"github.com/campusface/attendance/internal/course"
	"github.com/campusface/attendance/internal/events"
	"github.com/campusface/attendance/internal/photos"
	"github.com/campusface/attendance/internal/student"
)

// Pinger reports whether a backing service is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthChecker is the recognizer's health probe.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Deps are the collaborators a Handler serves.
type Deps struct {
	Students   *student.Service
	Courses    *course.Service
	Attendance *attendance.Service
	Photos     *photos.Store
	Bus        events.Bus

	Store    Pinger
	Redis    Pinger
	CVEngine HealthChecker

	Log            *zap.Logger
	Production     bool
	MaxUploadBytes int64
	Heartbeat      time.Duration

	// Shutdown, when closed, ends open attendance streams.
	Shutdown <-chan struct{}
}

// Handler serves the REST API and the attendance stream.
type Handler struct {
	Deps
}

// New builds a Handler, filling a nil logger and zero limits with defaults.
func New(d Deps) *Handler {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	if d.MaxUploadBytes <= 0 {
		d.MaxUploadBytes = 5 << 20
	}
	if d.Heartbeat <= 0 {
		d.Heartbeat = 25 * time.Second
	}
	registerValidators()
	return &Handler{Deps: d}
}

// Routes mounts every endpoint on r. guard, when non-nil, runs in front of the API groups.
func (h *Handler) Routes(r gin.IRouter, guard gin.HandlerFunc) {
	r.GET("/healthz", h.Health)

	api := r.Group("/api")
	api.GET("/health", h.Health)

	var protected []gin.HandlerFunc
	if guard != nil {
		protected = append(protected, guard)
	}

	students := api.Group("/students", protected...)
	students.GET("", h.ListStudents)
	students.POST("", h.CreateStudent)
	students.GET("/:id", h.GetStudent)
	students.PUT("/:id", h.UpdateStudent)
	students.DELETE("/:id", h.DeleteStudent)

	courses := api.Group("/courses", protected...)
	courses.GET("", h.ListCourses)
	courses.POST("", h.CreateCourse)
	courses.GET("/:id", h.GetCourse)
	courses.PUT("/:id", h.UpdateCourse)
	courses.DELETE("/:id", h.DeleteCourse)

	photoRoutes := api.Group("/photos", protected...)
	photoRoutes.POST("/upload/:studentId", h.UploadPhoto)
	photoRoutes.GET("/:studentId/photo", h.GetPhoto)

	h.attendanceRoutes(r.Group("/attendance", protected...))
	h.attendanceRoutes(api.Group("/attendance", protected...))
}

func (h *Handler) attendanceRoutes(g *gin.RouterGroup) {
	g.GET("", h.ListAttendance)
	g.POST("", h.MarkAttendance)
	g.GET("/stats", h.AttendanceStats)
	g.GET("/live", h.LiveAttendance)
	g.GET("/course/:courseId", h.AttendanceByCourse)
	g.GET("/student/:studentId", h.AttendanceByStudent)
	g.GET("/stream/:courseId", h.Stream)
	g.POST("/mark/face-recognition", h.MarkFaceRecognition)
	g.DELETE("/:id", h.DeleteAttendance)
}

func respond(c *gin.Context, status int, data any) {
	c.JSON(status, gin.H{"success": true, "data": data})
}

// fail writes {success:false, message[, field]} with the status for err's kind.
func (h *Handler) fail(c *gin.Context, err error) {
	status := apperr.Status(err)
	body := gin.H{"success": false}

	msg := "Internal server error"
	if e, ok := apperr.As(err); ok && e.Kind != apperr.KindInternal {
		msg = e.Message
		if e.Field != "" {
			body["field"] = e.Field
		}
	} else if !h.Production {
		msg = err.Error()
	}
	body["message"] = msg

	if status >= http.StatusInternalServerError {
		h.Log.Error("request failed",
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", status),
			zap.Error(err),
		)
	}
	_ = c.Error(err)
	c.AbortWithStatusJSON(status, body)
}

// badInput reports a binding failure, naming the first offending field.
func (h *Handler) badInput(c *gin.Context, err error) {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		e := apperr.BadRequest(fmt.Sprintf("%s failed %s validation", fe.Field(), fe.Tag()))
		e.Field = fe.Field()
		h.fail(c, e)
		return
	}
	h.fail(c, apperr.BadRequest("invalid request: "+err.Error()))
}
