// Package mongostore implements the repositories on MongoDB collections.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/campusface/attendance/internal/apperr"
	"github.com/campusface/attendance/internal/model"
)

const (
	studentsCollection   = "students"
	coursesCollection    = "courses"
	attendanceCollection = "attendances"

	idxStudentID  = "studentId_unique"
	idxEmail      = "email_unique"
	idxCourseCode = "courseCode_unique"
	idxDay        = "student_course_day_unique"
)

var conflictMessages = map[string]*apperr.Error{
	idxStudentID:  apperr.Conflict("studentId", "A student with this Student ID already exists"),
	idxEmail:      apperr.Conflict("email", "A student with this email already exists"),
	idxCourseCode: apperr.Conflict("courseCode", "Course code already exists"),
	idxDay:        apperr.Conflict("day", "Attendance already marked for this student in this course today"),
}

// EnsureIndexes creates the unique indexes the services rely on.
func EnsureIndexes(ctx context.Context, db *mongo.Database) error {
	specs := map[string][]mongo.IndexModel{
		studentsCollection: {
			{Keys: bson.D{{Key: "studentId", Value: 1}}, Options: options.Index().SetUnique(true).SetName(idxStudentID)},
			{Keys: bson.D{{Key: "email", Value: 1}}, Options: options.Index().SetUnique(true).SetName(idxEmail)},
		},
		coursesCollection: {
			{Keys: bson.D{{Key: "courseCode", Value: 1}}, Options: options.Index().SetUnique(true).SetName(idxCourseCode)},
		},
		attendanceCollection: {
			{
				Keys:    bson.D{{Key: "studentId", Value: 1}, {Key: "courseId", Value: 1}, {Key: "day", Value: 1}},
				Options: options.Index().SetUnique(true).SetName(idxDay),
			},
			{Keys: bson.D{{Key: "courseId", Value: 1}, {Key: "date", Value: -1}}},
		},
	}
	for coll, models := range specs {
		if _, err := db.Collection(coll).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("create indexes on %s: %w", coll, err)
		}
	}
	return nil
}

// duplicateError turns a duplicate key error into the Conflict for the violated index.
func duplicateError(err error) error {
	if !mongo.IsDuplicateKeyError(err) {
		return err
	}
	msg := err.Error()
	for idx, conflict := range conflictMessages {
		if strings.Contains(msg, idx) {
			return conflict
		}
	}
	return apperr.Conflict("", "duplicate key")
}

func notFound(err error, what string) error {
	if errors.Is(err, mongo.ErrNoDocuments) {
		return apperr.NotFound(what + " not found")
	}
	return err
}

// StudentRepository persists students.
type StudentRepository struct {
	coll *mongo.Collection
}

// NewStudentRepository stores students in the students collection of db.
func NewStudentRepository(db *mongo.Database) *StudentRepository {
	return &StudentRepository{coll: db.Collection(studentsCollection)}
}

func (r *StudentRepository) List(ctx context.Context, f model.StudentFilter) ([]model.Student, error) {
	filter := bson.M{}
	if f.Department != "" {
		filter["department"] = f.Department
	}
	if f.Year != 0 {
		filter["year"] = f.Year
	}
	if f.Section != "" {
		filter["section"] = f.Section
	}
	if f.Search != "" {
		re := primitive.Regex{Pattern: regexp.QuoteMeta(f.Search), Options: "i"}
		filter["$or"] = bson.A{
			bson.M{"name": re},
			bson.M{"studentId": re},
			bson.M{"email": re},
		}
	}
	cur, err := r.coll.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "createdAt", Value: -1}}))
	if err != nil {
		return nil, err
	}
	out := []model.Student{}
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *StudentRepository) Get(ctx context.Context, studentID string) (model.Student, error) {
	var st model.Student
	err := r.coll.FindOne(ctx, bson.M{"studentId": studentID}).Decode(&st)
	return st, notFound(err, "student")
}

func (r *StudentRepository) Create(ctx context.Context, st model.Student) (model.Student, error) {
	now := time.Now().UTC()
	st.ID = primitive.NewObjectID()
	st.CreatedAt, st.UpdatedAt = now, now
	if _, err := r.coll.InsertOne(ctx, st); err != nil {
		return model.Student{}, duplicateError(err)
	}
	return st, nil
}

func (r *StudentRepository) Update(ctx context.Context, studentID string, p model.StudentPatch) (model.Student, error) {
	set := bson.M{"updatedAt": time.Now().UTC()}
	if p.Name != nil {
		set["name"] = *p.Name
	}
	if p.Email != nil {
		set["email"] = *p.Email
	}
	if p.Department != nil {
		set["department"] = *p.Department
	}
	if p.Year != nil {
		set["year"] = *p.Year
	}
	if p.Section != nil {
		set["section"] = *p.Section
	}
	if p.Phone != nil {
		set["phone"] = *p.Phone
	}
	if p.IsActive != nil {
		set["isActive"] = *p.IsActive
	}
	return r.findAndSet(ctx, studentID, set)
}

func (r *StudentRepository) SetFace(ctx context.Context, studentID, photoURL string, at time.Time) (model.Student, error) {
	return r.findAndSet(ctx, studentID, bson.M{
		"hasEnrolledFace": true,
		"photoUrl":        photoURL,
		"lastFaceUpdate":  at,
		"updatedAt":       time.Now().UTC(),
	})
}

func (r *StudentRepository) findAndSet(ctx context.Context, studentID string, set bson.M) (model.Student, error) {
	var st model.Student
	err := r.coll.FindOneAndUpdate(ctx,
		bson.M{"studentId": studentID},
		bson.M{"$set": set},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&st)
	if err != nil {
		return model.Student{}, notFound(duplicateError(err), "student")
	}
	return st, nil
}

func (r *StudentRepository) Delete(ctx context.Context, studentID string) (model.Student, error) {
	var st model.Student
	err := r.coll.FindOneAndDelete(ctx, bson.M{"studentId": studentID}).Decode(&st)
	return st, notFound(err, "student")
}

// CourseRepository persists courses.
type CourseRepository struct {
	coll *mongo.Collection
}

// NewCourseRepository stores courses in the courses collection of db.
func NewCourseRepository(db *mongo.Database) *CourseRepository {
	return &CourseRepository{coll: db.Collection(coursesCollection)}
}

func (r *CourseRepository) List(ctx context.Context, f model.CourseFilter) ([]model.Course, error) {
	filter := bson.M{}
	if f.Department != "" {
		filter["department"] = f.Department
	}
	if f.Year != 0 {
		filter["year"] = f.Year
	}
	if f.Section != "" {
		filter["section"] = f.Section
	}
	cur, err := r.coll.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "createdAt", Value: -1}}))
	if err != nil {
		return nil, err
	}
	out := []model.Course{}
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *CourseRepository) Get(ctx context.Context, id primitive.ObjectID) (model.Course, error) {
	var c model.Course
	err := r.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&c)
	return c, notFound(err, "course")
}

func (r *CourseRepository) Create(ctx context.Context, c model.Course) (model.Course, error) {
	now := time.Now().UTC()
	c.ID = primitive.NewObjectID()
	c.CreatedAt, c.UpdatedAt = now, now
	if _, err := r.coll.InsertOne(ctx, c); err != nil {
		return model.Course{}, duplicateError(err)
	}
	return c, nil
}

func (r *CourseRepository) Update(ctx context.Context, id primitive.ObjectID, p model.CoursePatch) (model.Course, error) {
	set := bson.M{"updatedAt": time.Now().UTC()}
	if p.CourseName != nil {
		set["courseName"] = *p.CourseName
	}
	if p.Department != nil {
		set["department"] = *p.Department
	}
	if p.Year != nil {
		set["year"] = *p.Year
	}
	if p.Section != nil {
		set["section"] = *p.Section
	}
	if p.Faculty != nil {
		set["faculty"] = *p.Faculty
	}
	if p.Schedule != nil {
		set["schedule"] = *p.Schedule
	}
	if p.IsActive != nil {
		set["isActive"] = *p.IsActive
	}
	var c model.Course
	err := r.coll.FindOneAndUpdate(ctx,
		bson.M{"_id": id},
		bson.M{"$set": set},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&c)
	return c, notFound(err, "course")
}

func (r *CourseRepository) Delete(ctx context.Context, id primitive.ObjectID) (model.Course, error) {
	var c model.Course
	err := r.coll.FindOneAndDelete(ctx, bson.M{"_id": id}).Decode(&c)
	return c, notFound(err, "course")
}

// AttendanceRepository persists attendance rows.
type AttendanceRepository struct {
	coll *mongo.Collection
}

// NewAttendanceRepository stores attendance rows in the attendances collection of db.
func NewAttendanceRepository(db *mongo.Database) *AttendanceRepository {
	return &AttendanceRepository{coll: db.Collection(attendanceCollection)}
}

// UpsertDay inserts rec unless its (student, course, day) row exists. The created flag
// reports whether this call inserted. A duplicate key from a concurrent upsert is a no-op.
func (r *AttendanceRepository) UpsertDay(ctx context.Context, rec model.Attendance, overwrite bool) (model.Attendance, bool, error) {
	now := time.Now().UTC()
	filter := bson.M{"studentId": rec.StudentID, "courseId": rec.CourseID, "day": rec.Day}
	onInsert := bson.M{
		"date":       rec.Date,
		"timeIn":     rec.TimeIn,
		"confidence": rec.Confidence,
		"createdAt":  now,
	}
	if rec.StudentName != "" {
		onInsert["studentName"] = rec.StudentName
	}
	fields := bson.M{"status": rec.Status, "method": rec.Method, "updatedAt": now}

	update := bson.M{"$setOnInsert": onInsert}
	if overwrite {
		update["$set"] = fields
	} else {
		for k, v := range fields {
			onInsert[k] = v
		}
	}

	res, err := r.coll.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if err != nil {
		if !mongo.IsDuplicateKeyError(err) {
			return model.Attendance{}, false, err
		}
		// Lost the insert race; the winner's row stands.
		if !overwrite {
			res = &mongo.UpdateResult{}
		} else if res, err = r.coll.UpdateOne(ctx, filter, update); err != nil {
			return model.Attendance{}, false, err
		}
	}

	var out model.Attendance
	if err := r.coll.FindOne(ctx, filter).Decode(&out); err != nil {
		return model.Attendance{}, false, err
	}
	return out, res.UpsertedCount > 0, nil
}

func (r *AttendanceRepository) List(ctx context.Context, f model.AttendanceFilter) ([]model.Attendance, error) {
	filter := bson.M{}
	if f.CourseID != nil {
		filter["courseId"] = *f.CourseID
	}
	if f.StudentID != "" {
		filter["studentId"] = f.StudentID
	}
	if !f.From.IsZero() || !f.To.IsZero() {
		rng := bson.M{}
		if !f.From.IsZero() {
			rng["$gte"] = f.From
		}
		if !f.To.IsZero() {
			rng["$lt"] = f.To
		}
		filter["date"] = rng
	}
	opts := options.Find().SetSort(bson.D{{Key: "date", Value: -1}})
	if f.Limit > 0 {
		opts.SetLimit(int64(f.Limit))
	}
	cur, err := r.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	out := []model.Attendance{}
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *AttendanceRepository) Delete(ctx context.Context, id primitive.ObjectID) (model.Attendance, error) {
	var a model.Attendance
	err := r.coll.FindOneAndDelete(ctx, bson.M{"_id": id}).Decode(&a)
	return a, notFound(err, "attendance record")
}
