package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/campusface/attendance/internal/model"
)

type studentRequest struct {
	StudentID  string `json:"studentId" binding:"required,studentid"`
	Name       string `json:"name" binding:"required,max=120"`
	Email      string `json:"email" binding:"required,email"`
	Department string `json:"department" binding:"max=120"`
	Year       int    `json:"year" binding:"omitempty,min=1,max=8"`
	Section    string `json:"section" binding:"max=20"`
	Phone      string `json:"phone" binding:"max=32"`
}

type studentPatchRequest struct {
	Name       *string `json:"name" binding:"omitempty,max=120"`
	Email      *string `json:"email" binding:"omitempty,email"`
	Department *string `json:"department" binding:"omitempty,max=120"`
	Year       *int    `json:"year" binding:"omitempty,min=1,max=8"`
	Section    *string `json:"section" binding:"omitempty,max=20"`
	Phone      *string `json:"phone" binding:"omitempty,max=32"`
	IsActive   *bool   `json:"isActive"`
}

type studentQuery struct {
	Department string `form:"department"`
	Year       int    `form:"year" binding:"omitempty,min=1,max=8"`
	Section    string `form:"section"`
	Search     string `form:"search"`
}

func (h *Handler) ListStudents(c *gin.Context) {
	var q studentQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		h.badInput(c, err)
		return
	}
	list, err := h.Students.List(c.Request.Context(), model.StudentFilter{
		Department: q.Department,
		Year:       q.Year,
		Section:    q.Section,
		Search:     q.Search,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "count": len(list), "data": list})
}

func (h *Handler) GetStudent(c *gin.Context) {
	st, err := h.Students.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	respond(c, http.StatusOK, st)
}

func (h *Handler) CreateStudent(c *gin.Context) {
	var req studentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badInput(c, err)
		return
	}
	st, err := h.Students.Create(c.Request.Context(), model.Student{
		StudentID:  req.StudentID,
		Name:       req.Name,
		Email:      req.Email,
		Department: req.Department,
		Year:       req.Year,
		Section:    req.Section,
		Phone:      req.Phone,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	respond(c, http.StatusCreated, st)
}

func (h *Handler) UpdateStudent(c *gin.Context) {
	var req studentPatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badInput(c, err)
		return
	}
	st, err := h.Students.Update(c.Request.Context(), c.Param("id"), model.StudentPatch{
		Name:       req.Name,
		Email:      req.Email,
		Department: req.Department,
		Year:       req.Year,
		Section:    req.Section,
		Phone:      req.Phone,
		IsActive:   req.IsActive,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	respond(c, http.StatusOK, st)
}

func (h *Handler) DeleteStudent(c *gin.Context) {
	st, err := h.Students.Delete(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Student deleted", "data": gin.H{"studentId": st.StudentID}})
}
