package model

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Status is the attendance outcome for one student in one course on one day.
type Status string

const (
	StatusPresent Status = "present"
	StatusAbsent  Status = "absent"
	StatusLate    Status = "late"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	return s == StatusPresent || s == StatusAbsent || s == StatusLate
}

// Method records how an attendance row was produced.
type Method string

const (
	MethodFaceRecognition Method = "face_recognition"
	MethodManual          Method = "manual"
)

// ParseMethod accepts both spellings seen from older clients.
func ParseMethod(s string) (Method, bool) {
	switch s {
	case "face_recognition", "face-recognition":
		return MethodFaceRecognition, true
	case "manual":
		return MethodManual, true
	}
	return "", false
}

// Student is a registered student, addressed everywhere by StudentID.
type Student struct {
	ID              primitive.ObjectID `json:"_id" bson:"_id,omitempty"`
	StudentID       string             `json:"studentId" bson:"studentId"`
	Name            string             `json:"name" bson:"name"`
	Email           string             `json:"email" bson:"email"`
	Department      string             `json:"department" bson:"department"`
	Year            int                `json:"year" bson:"year"`
	Section         string             `json:"section" bson:"section"`
	Phone           string             `json:"phone,omitempty" bson:"phone,omitempty"`
	HasEnrolledFace bool               `json:"hasEnrolledFace" bson:"hasEnrolledFace"`
	LastFaceUpdate  *time.Time         `json:"lastFaceUpdate,omitempty" bson:"lastFaceUpdate,omitempty"`
	PhotoURL        string             `json:"photoUrl,omitempty" bson:"photoUrl,omitempty"`
	IsActive        bool               `json:"isActive" bson:"isActive"`
	CreatedAt       time.Time          `json:"createdAt" bson:"createdAt"`
	UpdatedAt       time.Time          `json:"updatedAt" bson:"updatedAt"`
}

// StudentPatch carries the mutable student fields; nil means unchanged.
type StudentPatch struct {
	Name       *string
	Email      *string
	Department *string
	Year       *int
	Section    *string
	Phone      *string
	IsActive   *bool
}

// StudentFilter narrows a student listing. Search matches name, studentId or email.
type StudentFilter struct {
	Department string
	Year       int
	Section    string
	Search     string
}

// ScheduleEntry is one weekly meeting slot, times as HH:MM.
type ScheduleEntry struct {
	Day       string `json:"day" bson:"day"`
	StartTime string `json:"startTime" bson:"startTime"`
	EndTime   string `json:"endTime" bson:"endTime"`
}

// Course is a taught course section.
type Course struct {
	ID         primitive.ObjectID `json:"_id" bson:"_id,omitempty"`
	CourseCode string             `json:"courseCode" bson:"courseCode"`
	CourseName string             `json:"courseName" bson:"courseName"`
	Department string             `json:"department" bson:"department"`
	Year       int                `json:"year" bson:"year"`
	Section    string             `json:"section" bson:"section"`
	Faculty    string             `json:"faculty" bson:"faculty"`
	Schedule   []ScheduleEntry    `json:"schedule" bson:"schedule"`
	IsActive   bool               `json:"isActive" bson:"isActive"`
	CreatedAt  time.Time          `json:"createdAt" bson:"createdAt"`
	UpdatedAt  time.Time          `json:"updatedAt" bson:"updatedAt"`
}

// CoursePatch carries the mutable course fields; nil means unchanged.
type CoursePatch struct {
	CourseName *string
	Department *string
	Year       *int
	Section    *string
	Faculty    *string
	Schedule   *[]ScheduleEntry
	IsActive   *bool
}

// CourseFilter narrows a course listing.
type CourseFilter struct {
	Department string
	Year       int
	Section    string
}

// Attendance is the single row for (StudentID, CourseID, Day).
// Day is the local midnight of Date and carries the uniqueness constraint.
type Attendance struct {
	ID          primitive.ObjectID `json:"_id" bson:"_id,omitempty"`
	StudentID   string             `json:"studentId" bson:"studentId"`
	StudentName string             `json:"studentName,omitempty" bson:"studentName,omitempty"`
	CourseID    primitive.ObjectID `json:"courseId" bson:"courseId"`
	Day         time.Time          `json:"day" bson:"day"`
	Date        time.Time          `json:"date" bson:"date"`
	Status      Status             `json:"status" bson:"status"`
	Method      Method             `json:"method" bson:"method"`
	TimeIn      time.Time          `json:"timeIn" bson:"timeIn"`
	Confidence  float64            `json:"confidence" bson:"confidence"`
	CreatedAt   time.Time          `json:"createdAt" bson:"createdAt"`
	UpdatedAt   time.Time          `json:"updatedAt" bson:"updatedAt"`
}

// AttendanceFilter narrows an attendance listing. Date range is [From, To); zero bounds are open.
// Results come newest first; Limit above zero keeps only that many.
type AttendanceFilter struct {
	CourseID  *primitive.ObjectID
	StudentID string
	From      time.Time
	To        time.Time
	Limit     int
}

// StudentStats summarises one student's attendance over a range.
type StudentStats struct {
	StudentID            string  `json:"studentId"`
	StudentName          string  `json:"studentName"`
	TotalClasses         int     `json:"totalClasses"`
	PresentCount         int     `json:"presentCount"`
	LateCount            int     `json:"lateCount"`
	AbsentCount          int     `json:"absentCount"`
	AttendancePercentage float64 `json:"attendancePercentage"`
}
