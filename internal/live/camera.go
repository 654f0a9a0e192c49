// Package live runs the classroom capture loop: grab a frame on a timer, ask the
// recognizer who is in it, mark them present and keep a roster of who has been seen.
package live

import (
	"context"
	"errors"
	"fmt"
	"image"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/disintegration/imaging"
)

var (
	// ErrCameraBusy is returned when a camera already has an active grant.
	ErrCameraBusy = errors.New("camera busy")
	// ErrCameraClosed is returned by Frame on a camera that is not open.
	ErrCameraClosed = errors.New("camera not open")
)

// Camera is a frame source that must be opened before use and closed after.
type Camera interface {
	Name() string
	Open(ctx context.Context) error
	Frame(ctx context.Context) (image.Image, error)
	Close() error
}

// SnapshotCamera reads JPEG snapshots from an IP camera over HTTP.
type SnapshotCamera struct {
	URL  string
	HTTP *http.Client

	mu   sync.Mutex
	open bool
}

// NewSnapshotCamera fetches one frame per Capture from url.
func NewSnapshotCamera(url string, timeout time.Duration) *SnapshotCamera {
	return &SnapshotCamera{URL: url, HTTP: &http.Client{Timeout: timeout}}
}

func (c *SnapshotCamera) Name() string { return c.URL }

func (c *SnapshotCamera) Open(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.open {
		return ErrCameraBusy
	}
	c.open = true
	return nil
}

func (c *SnapshotCamera) Frame(ctx context.Context) (image.Image, error) {
	c.mu.Lock()
	open := c.open
	c.mu.Unlock()
	if !open {
		return nil, ErrCameraClosed
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch snapshot: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch snapshot: status %s", resp.Status)
	}
	img, err := imaging.Decode(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return img, nil
}

func (c *SnapshotCamera) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.open = false
	return nil
}

// DirCamera replays the jpg and png files in a directory in name order, looping.
type DirCamera struct {
	Dir string

	mu    sync.Mutex
	files []string
	next  int
	open  bool
}

// NewDirCamera replays the images in dir in name order.
func NewDirCamera(dir string) *DirCamera {
	return &DirCamera{Dir: dir}
}

func (c *DirCamera) Name() string { return "dir:" + c.Dir }

func (c *DirCamera) Open(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.open {
		return ErrCameraBusy
	}
	entries, err := os.ReadDir(c.Dir)
	if err != nil {
		return fmt.Errorf("open frame dir: %w", err)
	}
	var files []string
	for _, e := range entries {
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".jpg", ".jpeg", ".png":
			files = append(files, filepath.Join(c.Dir, e.Name()))
		}
	}
	if len(files) == 0 {
		return fmt.Errorf("no jpg or png frames in %s", c.Dir)
	}
	sort.Strings(files)
	c.files, c.next, c.open = files, 0, true
	return nil
}

func (c *DirCamera) Frame(context.Context) (image.Image, error) {
	c.mu.Lock()
	if !c.open {
		c.mu.Unlock()
		return nil, ErrCameraClosed
	}
	path := c.files[c.next]
	c.next = (c.next + 1) % len(c.files)
	c.mu.Unlock()

	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("read frame %s: %w", path, err)
	}
	return img, nil
}

func (c *DirCamera) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.open = false
	c.files = nil
	return nil
}
