package handler

import (
	"io"
	"time"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/campusface/attendance/internal/metrics"
	"github.com/campusface/attendance/internal/model"
)

// Stream serves today's attendance for a course as server-sent events. The first
// event is sent immediately; every change published for the course sends a fresh snapshot.
func (h *Handler) Stream(c *gin.Context) {
	ctx := c.Request.Context()
	course, err := h.Attendance.Course(ctx, c.Param("courseId"))
	if err != nil {
		h.fail(c, err)
		return
	}
	courseID := course.ID.Hex()

	sub := h.Bus.Subscribe(courseID)
	defer sub.Close()
	metrics.StreamSubscribers.Inc()
	defer metrics.StreamSubscribers.Dec()

	// No stream opens without its first snapshot.
	rows, err := h.Attendance.Today(ctx, courseID)
	if err != nil {
		h.fail(c, err)
		return
	}

	c.Header("Content-Type", sse.ContentType)
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	send := func(rows []model.Attendance) {
		c.Render(-1, sse.Event{Data: rows})
		c.Writer.Flush()
	}
	send(rows)

	heartbeat := time.NewTicker(h.Heartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.Shutdown:
			return
		case _, ok := <-sub.C:
			if !ok {
				return
			}
			rows, err := h.Attendance.Today(ctx, courseID)
			if err != nil {
				if ctx.Err() == nil {
					h.Log.Warn("stream snapshot failed", zap.String("course_id", courseID), zap.Error(err))
				}
				continue
			}
			send(rows)
		case <-heartbeat.C:
			if _, err := io.WriteString(c.Writer, ": ping\n\n"); err != nil {
				return
			}
			c.Writer.Flush()
		}
	}
}
