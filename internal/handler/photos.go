package handler

import (
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/campusface/attendance/internal/apperr"
)

// multipartSlack covers form boundaries and the other fields around the photo part.
const multipartSlack = 64 << 10

var photoExts = map[string]bool{".jpg": true, ".jpeg": true, ".png": true}

func (h *Handler) tooLarge() error {
	e := apperr.BadRequest(fmt.Sprintf("File too large. Maximum size is %dMB", h.MaxUploadBytes>>20))
	e.Field = "photo"
	return e
}

// bodyTooLarge reports whether err came from the request body limit.
func bodyTooLarge(err error) bool {
	var mbe *http.MaxBytesError
	return errors.As(err, &mbe) || strings.Contains(err.Error(), "request body too large")
}

func (h *Handler) UploadPhoto(c *gin.Context) {
	studentID := c.Param("studentId")
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.MaxUploadBytes+multipartSlack)

	fh, err := c.FormFile("photo")
	if err != nil {
		if bodyTooLarge(err) {
			h.fail(c, h.tooLarge())
			return
		}
		e := apperr.BadRequest("No file uploaded")
		e.Field = "photo"
		h.fail(c, e)
		return
	}
	if fh.Size > h.MaxUploadBytes {
		h.fail(c, h.tooLarge())
		return
	}
	if !photoExts[strings.ToLower(filepath.Ext(fh.Filename))] {
		e := apperr.BadRequest("Only jpg, jpeg and png images are allowed")
		e.Field = "photo"
		h.fail(c, e)
		return
	}

	f, err := fh.Open()
	if err != nil {
		h.fail(c, fmt.Errorf("open uploaded photo: %w", err))
		return
	}
	defer f.Close()

	res, err := h.Students.UploadPhoto(c.Request.Context(), studentID, f)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Photo uploaded successfully", "data": res})
}

func (h *Handler) GetPhoto(c *gin.Context) {
	f, info, err := h.Photos.Open(c.Param("studentId"))
	if err != nil {
		h.fail(c, err)
		return
	}
	defer f.Close()
	c.DataFromReader(http.StatusOK, info.Size(), "image/jpeg", f, map[string]string{
		"Cache-Control": "no-cache",
	})
}
