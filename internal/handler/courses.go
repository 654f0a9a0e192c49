package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/campusface/attendance/internal/model"
)

type scheduleRequest struct {
	Day       string `json:"day" binding:"required"`
	StartTime string `json:"startTime" binding:"required,hhmm"`
	EndTime   string `json:"endTime" binding:"required,hhmm"`
}

// courseRequest accepts instructor as an older name for faculty.
type courseRequest struct {
	CourseCode string            `json:"courseCode" binding:"required,max=20"`
	CourseName string            `json:"courseName" binding:"required,max=200"`
	Department string            `json:"department"`
	Year       int               `json:"year" binding:"omitempty,min=1,max=8"`
	Section    string            `json:"section"`
	Faculty    string            `json:"faculty"`
	Instructor string            `json:"instructor"`
	Schedule   []scheduleRequest `json:"schedule" binding:"omitempty,dive"`
}

type coursePatchRequest struct {
	CourseName *string            `json:"courseName" binding:"omitempty,max=200"`
	Department *string            `json:"department"`
	Year       *int               `json:"year" binding:"omitempty,min=1,max=8"`
	Section    *string            `json:"section"`
	Faculty    *string            `json:"faculty"`
	Instructor *string            `json:"instructor"`
	Schedule   *[]scheduleRequest `json:"schedule" binding:"omitempty,dive"`
	IsActive   *bool              `json:"isActive"`
}

type courseQuery struct {
	Department string `form:"department"`
	Year       int    `form:"year" binding:"omitempty,min=1,max=8"`
	Section    string `form:"section"`
}

func toSchedule(in []scheduleRequest) []model.ScheduleEntry {
	out := make([]model.ScheduleEntry, 0, len(in))
	for _, s := range in {
		out = append(out, model.ScheduleEntry{Day: s.Day, StartTime: s.StartTime, EndTime: s.EndTime})
	}
	return out
}

func (h *Handler) ListCourses(c *gin.Context) {
	var q courseQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		h.badInput(c, err)
		return
	}
	list, err := h.Courses.List(c.Request.Context(), model.CourseFilter{Department: q.Department, Year: q.Year, Section: q.Section})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "count": len(list), "data": list})
}

func (h *Handler) GetCourse(c *gin.Context) {
	course, err := h.Courses.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	respond(c, http.StatusOK, course)
}

func (h *Handler) CreateCourse(c *gin.Context) {
	var req courseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badInput(c, err)
		return
	}
	faculty := req.Faculty
	if faculty == "" {
		faculty = req.Instructor
	}
	course, err := h.Courses.Create(c.Request.Context(), model.Course{
		CourseCode: req.CourseCode,
		CourseName: req.CourseName,
		Department: req.Department,
		Year:       req.Year,
		Section:    req.Section,
		Faculty:    faculty,
		Schedule:   toSchedule(req.Schedule),
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	respond(c, http.StatusCreated, course)
}

func (h *Handler) UpdateCourse(c *gin.Context) {
	var req coursePatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badInput(c, err)
		return
	}
	p := model.CoursePatch{
		CourseName: req.CourseName,
		Department: req.Department,
		Year:       req.Year,
		Section:    req.Section,
		Faculty:    req.Faculty,
		IsActive:   req.IsActive,
	}
	if p.Faculty == nil {
		p.Faculty = req.Instructor
	}
	if req.Schedule != nil {
		schedule := toSchedule(*req.Schedule)
		p.Schedule = &schedule
	}
	course, err := h.Courses.Update(c.Request.Context(), c.Param("id"), p)
	if err != nil {
		h.fail(c, err)
		return
	}
	respond(c, http.StatusOK, course)
}

func (h *Handler) DeleteCourse(c *gin.Context) {
	course, err := h.Courses.Delete(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Course deleted", "data": gin.H{"_id": course.ID}})
}
