package handler

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/campusface/attendance/internal/apperr"
	"github.com/campusface/attendance/internal/attendance"
	"github.com/campusface/attendance/internal/model"
)

// markRequest is either a batch ({courseId, studentIds}) or a single manual mark.
type markRequest struct {
	CourseID           string             `json:"courseId" binding:"required,objectid"`
	StudentIDs         []string           `json:"studentIds"`
	Confidences        map[string]float64 `json:"confidences"`
	StudentID          string             `json:"studentId"`
	Date               string             `json:"date"`
	Status             string             `json:"status" binding:"omitempty,oneof=present absent late"`
	VerificationMethod string             `json:"verificationMethod"`
	Method             string             `json:"method"`
	Confidence         float64            `json:"confidence" binding:"min=0,max=1"`
}

type faceMarkRequest struct {
	CourseID    string             `json:"courseId" binding:"required,objectid"`
	StudentIDs  []string           `json:"studentIds" binding:"required"`
	Confidences map[string]float64 `json:"confidences"`
}

type rangeQuery struct {
	CourseID  string `form:"courseId" binding:"omitempty,objectid"`
	StudentID string `form:"studentId"`
	StartDate string `form:"startDate"`
	EndDate   string `form:"endDate"`
}

type recentQuery struct {
	Limit int `form:"limit" binding:"omitempty,min=1,max=100"`
}

// parseDate accepts YYYY-MM-DD in the attendance zone or a full RFC3339 timestamp.
func parseDate(s string, loc *time.Location) (time.Time, error) {
	if t, err := time.ParseInLocation("2006-01-02", s, loc); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Time{}, apperr.BadRequest(fmt.Sprintf("invalid date %q, expected YYYY-MM-DD", s))
}

// query converts startDate/endDate into [from, to). endDate is inclusive of its whole day.
func (h *Handler) query(q rangeQuery) (attendance.Query, error) {
	loc := h.Attendance.Location()
	out := attendance.Query{CourseID: q.CourseID, StudentID: q.StudentID}
	if q.StartDate != "" {
		from, err := parseDate(q.StartDate, loc)
		if err != nil {
			return out, err
		}
		out.From, _ = attendance.DayRange(from, loc)
	}
	if q.EndDate != "" {
		end, err := parseDate(q.EndDate, loc)
		if err != nil {
			return out, err
		}
		_, out.To = attendance.DayRange(end, loc)
	}
	if !out.From.IsZero() && !out.To.IsZero() && !out.From.Before(out.To) {
		return out, apperr.BadRequest("startDate must not be after endDate")
	}
	return out, nil
}

func (h *Handler) MarkAttendance(c *gin.Context) {
	var req markRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badInput(c, err)
		return
	}
	ctx := c.Request.Context()

	if req.StudentIDs != nil {
		results, err := h.Attendance.MarkBatch(ctx, req.CourseID, req.StudentIDs, req.Confidences)
		if err != nil {
			h.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "results": results})
		return
	}

	if strings.TrimSpace(req.StudentID) == "" {
		e := apperr.BadRequest("studentId or studentIds is required")
		e.Field = "studentId"
		h.fail(c, e)
		return
	}
	mark := attendance.MarkRequest{
		StudentID:  req.StudentID,
		CourseID:   req.CourseID,
		Status:     model.Status(req.Status),
		Confidence: req.Confidence,
	}
	if m := firstNonEmpty(req.VerificationMethod, req.Method); m != "" {
		method, ok := model.ParseMethod(m)
		if !ok {
			e := apperr.BadRequest("invalid verificationMethod " + m)
			e.Field = "verificationMethod"
			h.fail(c, e)
			return
		}
		mark.Method = method
	}
	if req.Date != "" {
		d, err := parseDate(req.Date, h.Attendance.Location())
		if err != nil {
			h.fail(c, err)
			return
		}
		mark.Date = &d
	}

	row, created, err := h.Attendance.Mark(ctx, mark)
	if err != nil {
		h.fail(c, err)
		return
	}
	status, msg := http.StatusOK, "Attendance already marked"
	if created {
		status, msg = http.StatusCreated, "Attendance marked successfully"
	}
	c.JSON(status, gin.H{"success": true, "message": msg, "data": row})
}

// MarkFaceRecognition takes either recognized ids as JSON or a frame as multipart
// (image or photo field plus courseId) to recognize on the server.
func (h *Handler) MarkFaceRecognition(c *gin.Context) {
	ctx := c.Request.Context()

	if strings.HasPrefix(c.ContentType(), "multipart/") {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.MaxUploadBytes+multipartSlack)
		courseID := c.PostForm("courseId")
		fh, err := c.FormFile("image")
		if err != nil {
			fh, err = c.FormFile("photo")
		}
		if err != nil {
			if bodyTooLarge(err) {
				h.fail(c, h.tooLarge())
				return
			}
			e := apperr.BadRequest("image file is required")
			e.Field = "image"
			h.fail(c, e)
			return
		}
		if fh.Size > h.MaxUploadBytes {
			h.fail(c, h.tooLarge())
			return
		}
		f, err := fh.Open()
		if err != nil {
			h.fail(c, fmt.Errorf("open uploaded image: %w", err))
			return
		}
		defer f.Close()
		data, err := io.ReadAll(f)
		if err != nil {
			h.fail(c, h.tooLarge())
			return
		}
		res, err := h.Attendance.MarkFromImage(ctx, courseID, data, fh.Filename)
		if err != nil {
			h.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"success":    true,
			"message":    res.Message,
			"recognized": res.Recognized,
			"results":    res.Results,
		})
		return
	}

	var req faceMarkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badInput(c, err)
		return
	}
	results, err := h.Attendance.MarkBatch(ctx, req.CourseID, req.StudentIDs, req.Confidences)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "results": results})
}

func (h *Handler) ListAttendance(c *gin.Context) {
	var rq rangeQuery
	if err := c.ShouldBindQuery(&rq); err != nil {
		h.badInput(c, err)
		return
	}
	q, err := h.query(rq)
	if err != nil {
		h.fail(c, err)
		return
	}
	rows, err := h.Attendance.List(c.Request.Context(), q)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "count": len(rows), "data": rows})
}

// LiveAttendance is the dashboard feed: the latest rows across all courses.
func (h *Handler) LiveAttendance(c *gin.Context) {
	var rq recentQuery
	if err := c.ShouldBindQuery(&rq); err != nil {
		h.badInput(c, err)
		return
	}
	rows, err := h.Attendance.Recent(c.Request.Context(), rq.Limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"count":   len(rows),
		"data":    rows,
		"message": "Live attendance feed retrieved successfully",
	})
}

func (h *Handler) AttendanceStats(c *gin.Context) {
	var rq rangeQuery
	if err := c.ShouldBindQuery(&rq); err != nil {
		h.badInput(c, err)
		return
	}
	q, err := h.query(rq)
	if err != nil {
		h.fail(c, err)
		return
	}
	stats, err := h.Attendance.Stats(c.Request.Context(), q)
	if err != nil {
		h.fail(c, err)
		return
	}
	respond(c, http.StatusOK, stats)
}

func (h *Handler) AttendanceByCourse(c *gin.Context) {
	var date *time.Time
	if s := c.Query("date"); s != "" {
		d, err := parseDate(s, h.Attendance.Location())
		if err != nil {
			h.fail(c, err)
			return
		}
		date = &d
	}
	rows, err := h.Attendance.ByCourse(c.Request.Context(), c.Param("courseId"), date)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "count": len(rows), "data": rows})
}

func (h *Handler) AttendanceByStudent(c *gin.Context) {
	var rq rangeQuery
	if err := c.ShouldBindQuery(&rq); err != nil {
		h.badInput(c, err)
		return
	}
	q, err := h.query(rq)
	if err != nil {
		h.fail(c, err)
		return
	}
	rows, err := h.Attendance.ByStudent(c.Request.Context(), c.Param("studentId"), q)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "count": len(rows), "data": rows})
}

func (h *Handler) DeleteAttendance(c *gin.Context) {
	row, err := h.Attendance.Delete(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Attendance record deleted", "data": gin.H{"_id": row.ID}})
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
