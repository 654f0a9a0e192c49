package mongostore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"

	"github.com/campusface/attendance/internal/apperr"
	"github.com/campusface/attendance/internal/model"
)

func dupErr(msg string) error {
	return mongo.WriteException{WriteErrors: mongo.WriteErrors{{Code: 11000, Message: msg}}}
}

func TestDuplicateErrorNamesField(t *testing.T) {
	tests := []struct {
		name  string
		msg   string
		field string
	}{
		{"student id", "E11000 duplicate key error collection: attendance_system.students index: studentId_unique dup key: { studentId: \"S1\" }", "studentId"},
		{"email", "E11000 duplicate key error collection: attendance_system.students index: email_unique dup key: { email: \"s1@x.com\" }", "email"},
		{"course code", "E11000 duplicate key error collection: attendance_system.courses index: courseCode_unique dup key: { courseCode: \"CS101\" }", "courseCode"},
		{"unknown index", "E11000 duplicate key error collection: attendance_system.x index: other dup key", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, ok := apperr.As(duplicateError(dupErr(tt.msg)))
			require.True(t, ok)
			assert.Equal(t, apperr.KindConflict, e.Kind)
			assert.Equal(t, tt.field, e.Field)
		})
	}
}

func TestDuplicateErrorPassesOthers(t *testing.T) {
	cause := errors.New("socket closed")
	assert.Same(t, cause, duplicateError(cause))
}

func TestNotFound(t *testing.T) {
	assert.True(t, apperr.Is(notFound(mongo.ErrNoDocuments, "course"), apperr.KindNotFound))
	assert.Nil(t, notFound(nil, "course"))
}

func sampleMark(courseID primitive.ObjectID) model.Attendance {
	at := time.Date(2024, 3, 4, 9, 15, 0, 0, time.UTC)
	return model.Attendance{
		StudentID:  "S1",
		CourseID:   courseID,
		Day:        time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC),
		Date:       at,
		TimeIn:     at,
		Status:     model.StatusPresent,
		Method:     model.MethodFaceRecognition,
		Confidence: 0.91,
	}
}

func storedRow(id primitive.ObjectID, rec model.Attendance, status model.Status) bson.D {
	return bson.D{
		{Key: "_id", Value: id},
		{Key: "studentId", Value: rec.StudentID},
		{Key: "courseId", Value: rec.CourseID},
		{Key: "day", Value: rec.Day},
		{Key: "date", Value: rec.Date},
		{Key: "timeIn", Value: rec.TimeIn},
		{Key: "status", Value: string(status)},
		{Key: "method", Value: string(rec.Method)},
	}
}

func dupKeyReply() bson.D {
	return mtest.CreateWriteErrorsResponse(mtest.WriteError{
		Index:   0,
		Code:    11000,
		Message: "E11000 duplicate key error collection: attendance_system.attendances index: studentId_courseId_day_unique",
	})
}

func hasField(cmd bson.Raw, path ...string) bool {
	_, err := cmd.LookupErr(path...)
	return err == nil
}

func upsertFlag(cmd bson.Raw) bool {
	v, err := cmd.LookupErr("updates", "0", "upsert")
	return err == nil && v.Boolean()
}

func TestUpsertDay(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))
	ctx := context.Background()
	courseID := primitive.NewObjectID()
	ns := "attendance_system.attendances"

	mt.Run("insert keeps every field on insert", func(mt *mtest.T) {
		repo := &AttendanceRepository{coll: mt.Coll}
		rec := sampleMark(courseID)
		id := primitive.NewObjectID()
		mt.AddMockResponses(
			mtest.CreateSuccessResponse(
				bson.E{Key: "n", Value: 1},
				bson.E{Key: "nModified", Value: 0},
				bson.E{Key: "upserted", Value: bson.A{bson.D{{Key: "index", Value: 0}, {Key: "_id", Value: id}}}},
			),
			mtest.CreateCursorResponse(0, ns, mtest.FirstBatch, storedRow(id, rec, model.StatusPresent)),
		)

		out, created, err := repo.UpsertDay(ctx, rec, false)
		require.NoError(mt, err)
		assert.True(mt, created)
		assert.Equal(mt, id, out.ID)

		upd := mt.GetStartedEvent()
		require.NotNil(mt, upd)
		assert.Equal(mt, "update", upd.CommandName)
		assert.True(mt, upsertFlag(upd.Command))
		assert.True(mt, hasField(upd.Command, "updates", "0", "u", "$setOnInsert", "date"))
		assert.True(mt, hasField(upd.Command, "updates", "0", "u", "$setOnInsert", "timeIn"))
		assert.True(mt, hasField(upd.Command, "updates", "0", "u", "$setOnInsert", "status"))
		assert.False(mt, hasField(upd.Command, "updates", "0", "u", "$set"))
		assert.True(mt, hasField(upd.Command, "updates", "0", "q", "day"))

		find := mt.GetStartedEvent()
		require.NotNil(mt, find)
		assert.Equal(mt, "find", find.CommandName)
	})

	mt.Run("duplicate key returns the existing row", func(mt *mtest.T) {
		repo := &AttendanceRepository{coll: mt.Coll}
		rec := sampleMark(courseID)
		id := primitive.NewObjectID()
		mt.AddMockResponses(
			dupKeyReply(),
			mtest.CreateCursorResponse(0, ns, mtest.FirstBatch, storedRow(id, rec, model.StatusLate)),
		)

		out, created, err := repo.UpsertDay(ctx, rec, false)
		require.NoError(mt, err)
		assert.False(mt, created)
		assert.Equal(mt, id, out.ID)
		assert.Equal(mt, model.StatusLate, out.Status)

		events := mt.GetAllStartedEvents()
		require.Len(mt, events, 2)
		assert.Equal(mt, "update", events[0].CommandName)
		assert.Equal(mt, "find", events[1].CommandName)
	})

	mt.Run("overwrite after duplicate key updates in place", func(mt *mtest.T) {
		repo := &AttendanceRepository{coll: mt.Coll}
		rec := sampleMark(courseID)
		rec.Status = model.StatusLate
		id := primitive.NewObjectID()
		mt.AddMockResponses(
			dupKeyReply(),
			mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 1}, bson.E{Key: "nModified", Value: 1}),
			mtest.CreateCursorResponse(0, ns, mtest.FirstBatch, storedRow(id, rec, model.StatusLate)),
		)

		out, created, err := repo.UpsertDay(ctx, rec, true)
		require.NoError(mt, err)
		assert.False(mt, created)
		assert.Equal(mt, model.StatusLate, out.Status)

		events := mt.GetAllStartedEvents()
		require.Len(mt, events, 3)
		first, second := events[0].Command, events[1].Command
		assert.True(mt, upsertFlag(first))
		assert.True(mt, hasField(first, "updates", "0", "u", "$set", "status"))
		assert.Equal(mt, "update", events[1].CommandName)
		assert.False(mt, upsertFlag(second))
		assert.True(mt, hasField(second, "updates", "0", "u", "$set", "status"))
		assert.Equal(mt, "find", events[2].CommandName)
	})

	mt.Run("other write errors surface", func(mt *mtest.T) {
		repo := &AttendanceRepository{coll: mt.Coll}
		mt.AddMockResponses(mtest.CreateWriteErrorsResponse(mtest.WriteError{Index: 0, Code: 121, Message: "Document failed validation"}))

		_, _, err := repo.UpsertDay(ctx, sampleMark(courseID), false)
		require.Error(mt, err)
		assert.False(mt, mongo.IsDuplicateKeyError(err))
		assert.Len(mt, mt.GetAllStartedEvents(), 1)
	})
}
