package live

import (
	"sync"
	"time"

	"github.com/campusface/attendance/internal/model"
)

// Entry is one student on the displayed roster. Confirmed means the server's
// stream has reported the row; unconfirmed entries come from local marks only.
type Entry struct {
	StudentID   string
	StudentName string
	Confidence  float64
	MarkedAt    time.Time
	Confirmed   bool
}

// Roster is the deduplicated list of students present for the session's course.
// It tracks which students this session marked itself apart from the listing, so
// a feed snapshot that arrives first never swallows a local announcement.
type Roster struct {
	mu        sync.Mutex
	entries   []Entry
	index     map[string]int
	announced map[string]bool
}

// NewRoster returns an empty roster.
func NewRoster() *Roster {
	return &Roster{index: make(map[string]int), announced: make(map[string]bool)}
}

// Merge records students marked by this session and returns the ones marked for
// the first time, whether or not the feed had already listed them.
func (r *Roster) Merge(entries []Entry) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	var added []Entry
	for _, e := range entries {
		if r.announced[e.StudentID] {
			continue
		}
		r.announced[e.StudentID] = true
		if i, ok := r.index[e.StudentID]; ok {
			if r.entries[i].Confidence == 0 {
				r.entries[i].Confidence = e.Confidence
			}
			if r.entries[i].StudentName == "" {
				r.entries[i].StudentName = e.StudentName
			}
			e = r.entries[i]
		} else {
			r.index[e.StudentID] = len(r.entries)
			r.entries = append(r.entries, e)
		}
		added = append(added, e)
	}
	return added
}

// ReplaceConfirmed rebuilds the roster from the server's rows for today, keeping
// local entries the server has not reported yet.
func (r *Roster) ReplaceConfirmed(rows []model.Attendance) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries := make([]Entry, 0, len(rows)+len(r.entries))
	index := make(map[string]int, len(rows)+len(r.entries))
	for _, row := range rows {
		if _, ok := index[row.StudentID]; ok {
			continue
		}
		index[row.StudentID] = len(entries)
		entries = append(entries, Entry{
			StudentID:   row.StudentID,
			StudentName: row.StudentName,
			Confidence:  row.Confidence,
			MarkedAt:    row.TimeIn,
			Confirmed:   true,
		})
	}
	for _, e := range r.entries {
		if _, ok := index[e.StudentID]; ok || e.Confirmed {
			continue
		}
		index[e.StudentID] = len(entries)
		entries = append(entries, e)
	}
	r.entries, r.index = entries, index
}

// Snapshot returns a copy of the roster.
func (r *Roster) Snapshot() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Entry(nil), r.entries...)
}

// Len returns the number of students listed.
func (r *Roster) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
