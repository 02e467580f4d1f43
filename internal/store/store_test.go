package store

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/apnprevent/alarmwatch/internal/alarm"
	"github.com/apnprevent/alarmwatch/internal/extract"
)

type updateCall struct {
	filter bson.M
	update bson.M
	upsert bool
}

// fakeCollection replays canned driver responses and records update calls.
type fakeCollection struct {
	findDocs   []interface{}
	findErr    error
	findOneDoc interface{}
	findOneErr error

	updateResults []*mongo.UpdateResult
	updateErrs    []error
	updates       []updateCall
}

func (f *fakeCollection) Find(_ context.Context, _ interface{}, _ ...*options.FindOptions) (*mongo.Cursor, error) {
	if f.findErr != nil {
		return nil, f.findErr
	}
	return mongo.NewCursorFromDocuments(f.findDocs, nil, nil)
}

func (f *fakeCollection) FindOne(_ context.Context, _ interface{}, _ ...*options.FindOneOptions) *mongo.SingleResult {
	if f.findOneErr != nil {
		return mongo.NewSingleResultFromDocument(bson.D{}, f.findOneErr, nil)
	}
	return mongo.NewSingleResultFromDocument(f.findOneDoc, nil, nil)
}

func (f *fakeCollection) UpdateOne(_ context.Context, filter interface{}, update interface{}, opts ...*options.UpdateOptions) (*mongo.UpdateResult, error) {
	upsert := false
	for _, o := range opts {
		if o != nil && o.Upsert != nil && *o.Upsert {
			upsert = true
		}
	}
	f.updates = append(f.updates, updateCall{
		filter: filter.(bson.M),
		update: update.(bson.M),
		upsert: upsert,
	})
	i := len(f.updates) - 1
	var err error
	if i < len(f.updateErrs) {
		err = f.updateErrs[i]
	}
	if err != nil {
		return nil, err
	}
	if i < len(f.updateResults) {
		return f.updateResults[i], nil
	}
	return &mongo.UpdateResult{MatchedCount: 1}, nil
}

func testStore(alarms, patterns, configs *fakeCollection) *Store {
	return &Store{
		alarms:   alarms,
		patterns: patterns,
		configs:  configs,
		logger:   log.New(io.Discard, "", 0),
	}
}

func testAlarm(t *testing.T) alarm.Alarm {
	t.Helper()
	a, err := alarm.FromFact(alarm.Fact{
		AlarmTime:  "2025-10-23 10:00:00",
		Source:     "CAM-A (D1)",
		DeviceName: "DVR01",
		DeviceNo:   "1",
		DeviceIP:   "192.168.1.5",
		Channel:    "1",
	})
	require.NoError(t, err)
	return a
}

func TestSaveOrUpdateAlarmInsertsFresh(t *testing.T) {
	alarms := &fakeCollection{
		updateResults: []*mongo.UpdateResult{{UpsertedID: "192.168.1.5:1"}},
	}
	s := testStore(alarms, nil, nil)

	require.NoError(t, s.SaveOrUpdateAlarm(context.Background(), testAlarm(t)))
	require.Len(t, alarms.updates, 1)
	require.True(t, alarms.updates[0].upsert)

	insert := alarms.updates[0].update["$setOnInsert"].(bson.M)
	require.Equal(t, 1, insert["count_alarms"])
	require.Equal(t, true, insert["is_incident"])
	require.Len(t, insert["details"].([]alarm.Detail), 1)
}

func TestSaveOrUpdateAlarmActiveIncidentIncrementsOnly(t *testing.T) {
	alarms := &fakeCollection{
		updateResults: []*mongo.UpdateResult{
			{MatchedCount: 1},  // upsert matched existing
			{ModifiedCount: 1}, // device counter
			{MatchedCount: 1, ModifiedCount: 1}, // detail positional
		},
		findOneDoc: bson.M{"_id": "192.168.1.5:1", "is_incident": true},
	}
	s := testStore(alarms, nil, nil)

	require.NoError(t, s.SaveOrUpdateAlarm(context.Background(), testAlarm(t)))
	require.Len(t, alarms.updates, 3)

	counter := alarms.updates[1].update
	require.Equal(t, bson.M{"count_alarms": 1}, counter["$inc"])
	require.NotContains(t, counter, "$set")

	detail := alarms.updates[2]
	require.Equal(t, "CAM-A (D1)", detail.filter["details.camera_name"])
	require.Equal(t, bson.M{"details.$.count_lost": 1}, detail.update["$inc"])
}

func TestSaveOrUpdateAlarmReopensResolvedIncident(t *testing.T) {
	alarms := &fakeCollection{
		updateResults: []*mongo.UpdateResult{
			{MatchedCount: 1},
			{ModifiedCount: 1},
			{MatchedCount: 1},
		},
		findOneDoc: bson.M{"_id": "192.168.1.5:1", "is_incident": false},
	}
	s := testStore(alarms, nil, nil)
	a := testAlarm(t)

	require.NoError(t, s.SaveOrUpdateAlarm(context.Background(), a))
	counter := alarms.updates[1].update
	require.Equal(t, bson.M{"count_alarms": 1}, counter["$inc"])
	set := counter["$set"].(bson.M)
	require.Equal(t, true, set["is_incident"])
	require.Equal(t, time.Date(2025, 10, 23, 10, 0, 0, 0, time.UTC), set["date"])
}

func TestSaveOrUpdateAlarmAppendsNewCamera(t *testing.T) {
	alarms := &fakeCollection{
		updateResults: []*mongo.UpdateResult{
			{MatchedCount: 1},
			{ModifiedCount: 1},
			{MatchedCount: 0}, // positional update missed: camera unseen
			{ModifiedCount: 1},
		},
		findOneDoc: bson.M{"is_incident": true},
	}
	s := testStore(alarms, nil, nil)

	require.NoError(t, s.SaveOrUpdateAlarm(context.Background(), testAlarm(t)))
	require.Len(t, alarms.updates, 4)
	push := alarms.updates[3].update["$push"].(bson.M)
	require.Equal(t, "CAM-A (D1)", push["details"].(alarm.Detail).CameraName)
}

func TestSaveOrUpdateAlarmAbortsOnStepFailure(t *testing.T) {
	alarms := &fakeCollection{
		updateResults: []*mongo.UpdateResult{{MatchedCount: 1}},
		updateErrs:    []error{nil, errors.New("socket closed")},
		findOneDoc:    bson.M{"is_incident": true},
	}
	s := testStore(alarms, nil, nil)

	err := s.SaveOrUpdateAlarm(context.Background(), testAlarm(t))
	require.Error(t, err)
	require.Len(t, alarms.updates, 2)
}

func TestSaveOrUpdateAlarmRetryIdempotence(t *testing.T) {
	// First delivery against an empty store inserts with count 1.
	first := &fakeCollection{
		updateResults: []*mongo.UpdateResult{{UpsertedID: "192.168.1.5:1"}},
	}
	require.NoError(t, testStore(first, nil, nil).SaveOrUpdateAlarm(context.Background(), testAlarm(t)))
	require.Len(t, first.updates, 1)

	// Second delivery of the identical fact increments the existing record
	// and its single detail; no duplicate document, no appended detail.
	second := &fakeCollection{
		updateResults: []*mongo.UpdateResult{
			{MatchedCount: 1},
			{ModifiedCount: 1},
			{MatchedCount: 1, ModifiedCount: 1},
		},
		findOneDoc: bson.M{"is_incident": true},
	}
	require.NoError(t, testStore(second, nil, nil).SaveOrUpdateAlarm(context.Background(), testAlarm(t)))
	require.Len(t, second.updates, 3)
	require.False(t, second.updates[1].upsert)
	for _, call := range second.updates {
		require.NotContains(t, call.update, "$push")
	}
}

func TestPatterns(t *testing.T) {
	patterns := &fakeCollection{
		findDocs: []interface{}{
			extract.PatternRule{ID: "a", Detection: "LOST", Fields: map[string]string{"device_name": `(\S+)`}},
			extract.PatternRule{ID: "b", Detection: "OFFLINE"},
		},
	}
	s := testStore(nil, patterns, nil)

	rules, err := s.Patterns(context.Background())
	require.NoError(t, err)
	require.Len(t, rules, 2)
	require.Equal(t, "a", rules[0].ID)
	require.Equal(t, "LOST", rules[0].Detection)
}

func TestStructuredFields(t *testing.T) {
	patterns := &fakeCollection{
		findOneDoc: extract.StructuredFields{
			ID:     extract.StructuredFieldsID,
			Fields: map[string][]string{"device_name": {"Device Name"}},
		},
	}
	s := testStore(nil, patterns, nil)

	cfg, err := s.StructuredFields(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"Device Name"}, cfg.Fields["device_name"])
}

func TestBlacklistsFlattenDataValues(t *testing.T) {
	configs := &fakeCollection{
		findOneDoc: bson.M{"_id": "exceptions_email", "data": bson.M{"a": "spam@x", "b": "noise@y"}},
	}
	s := testStore(nil, nil, configs)

	list, err := s.SenderBlacklist(context.Background())
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"spam@x", "noise@y"}, list)
}

func TestBlacklistMissingDocIsNil(t *testing.T) {
	configs := &fakeCollection{findOneErr: mongo.ErrNoDocuments}
	s := testStore(nil, nil, configs)

	list, err := s.SubjectBlacklist(context.Background())
	require.NoError(t, err)
	require.Nil(t, list)
}
