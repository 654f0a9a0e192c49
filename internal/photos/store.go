// Package photos keeps one canonical JPEG per student on the local filesystem.
package photos

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"

	"github.com/campusface/attendance/internal/apperr"
)

const jpegQuality = 90

var safeID = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)

// Store writes {studentId}.jpg files under a directory.
type Store struct {
	dir     string
	maxSide int
}

// New creates the directory if needed. Images larger than maxSide on either
// edge are scaled down; zero keeps the original size.
func New(dir string, maxSide int) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create photo dir: %w", err)
	}
	return &Store{dir: dir, maxSide: maxSide}, nil
}

// Path returns the canonical file path for a student.
func (s *Store) Path(studentID string) (string, error) {
	if !safeID.MatchString(studentID) || studentID == "." || studentID == ".." {
		return "", apperr.BadRequest("invalid student id")
	}
	return filepath.Join(s.dir, studentID+".jpg"), nil
}

// URL is the public path the photo is served from.
func (s *Store) URL(studentID string) string {
	return "/api/photos/" + studentID + "/photo"
}

// Save decodes a jpg or png, re-encodes it as JPEG and replaces the student's photo.
// It returns the encoded bytes so callers can forward the same image elsewhere.
func (s *Store) Save(studentID string, r io.Reader) ([]byte, error) {
	path, err := s.Path(studentID)
	if err != nil {
		return nil, err
	}
	img, err := imaging.Decode(r, imaging.AutoOrientation(true))
	if err != nil {
		return nil, apperr.BadRequest("photo is not a readable jpg or png image")
	}
	if s.maxSide > 0 {
		b := img.Bounds()
		if b.Dx() > s.maxSide || b.Dy() > s.maxSide {
			img = imaging.Fit(img, s.maxSide, s.maxSide, imaging.Lanczos)
		}
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(jpegQuality)); err != nil {
		return nil, fmt.Errorf("encode photo: %w", err)
	}

	tmp := filepath.Join(s.dir, ".upload-"+uuid.NewString())
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return nil, fmt.Errorf("write photo: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return nil, fmt.Errorf("store photo: %w", err)
	}
	return buf.Bytes(), nil
}

// Open returns the student's photo for reading.
func (s *Store) Open(studentID string) (*os.File, os.FileInfo, error) {
	path, err := s.Path(studentID)
	if err != nil {
		return nil, nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, apperr.NotFound("Photo not found")
		}
		return nil, nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return f, info, nil
}

// Delete removes the student's photo. A missing file is not an error.
func (s *Store) Delete(studentID string) error {
	path, err := s.Path(studentID)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove photo: %w", err)
	}
	return nil
}

// Exists reports whether a photo is stored for the student.
func (s *Store) Exists(studentID string) bool {
	path, err := s.Path(studentID)
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}
