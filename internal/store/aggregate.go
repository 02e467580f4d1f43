package store

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/apnprevent/alarmwatch/internal/alarm"
)

// SaveOrUpdateAlarm merges one extracted alarm into the persisted incident
// record for its device. The protocol tolerates re-delivery of the same
// logical event:
//
//  1. Insert-if-absent with initial counters (count=1, incident active).
//  2. If the record already existed, bump the device counter; when the
//     incident had been resolved, re-open it and refresh the top-level
//     timestamp.
//  3. Per camera, bump the matching detail's loss counter, or append a new
//     detail for a camera not seen before on this device.
//
// The first failing step logs and aborts the rest; the caller leaves the
// source message unseen so the next pass retries.
func (s *Store) SaveOrUpdateAlarm(ctx context.Context, a alarm.Alarm) error {
	filter := bson.M{"_id": a.ID}

	result, err := s.alarms.UpdateOne(ctx, filter, bson.M{
		"$setOnInsert": bson.M{
			"device_name":  a.DeviceName,
			"device_ip":    a.DeviceIP,
			"dvr":          a.DVR,
			"date":         a.Date,
			"count_alarms": 1,
			"is_incident":  true,
			"details":      a.Details,
		},
	}, options.Update().SetUpsert(true))
	if err != nil {
		s.logf("upsert alarm %s: %v", a.ID, err)
		return fmt.Errorf("upsert alarm %s: %w", a.ID, err)
	}
	if result.UpsertedID != nil {
		// Fresh incident, nothing to merge.
		return nil
	}

	var current struct {
		IsIncident bool `bson:"is_incident"`
	}
	if err := s.alarms.FindOne(ctx, filter).Decode(&current); err != nil {
		s.logf("read alarm %s: %v", a.ID, err)
		return fmt.Errorf("read alarm %s: %w", a.ID, err)
	}

	if current.IsIncident {
		_, err = s.alarms.UpdateOne(ctx, filter, bson.M{
			"$inc": bson.M{"count_alarms": 1},
		})
	} else {
		// Transition from resolved back to active.
		_, err = s.alarms.UpdateOne(ctx, filter, bson.M{
			"$inc": bson.M{"count_alarms": 1},
			"$set": bson.M{"is_incident": true, "date": a.Date},
		})
	}
	if err != nil {
		s.logf("increment alarm %s: %v", a.ID, err)
		return fmt.Errorf("increment alarm %s: %w", a.ID, err)
	}

	for _, detail := range a.Details {
		res, err := s.alarms.UpdateOne(ctx,
			bson.M{"_id": a.ID, "details.camera_name": detail.CameraName},
			bson.M{
				"$inc": bson.M{"details.$.count_lost": 1},
				"$set": bson.M{"details.$.date_lost": detail.DateLost},
			})
		if err != nil {
			s.logf("update detail %s/%s: %v", a.ID, detail.CameraName, err)
			return fmt.Errorf("update detail %s/%s: %w", a.ID, detail.CameraName, err)
		}
		if res.MatchedCount == 0 {
			// Camera not previously seen on this device.
			if _, err := s.alarms.UpdateOne(ctx, filter, bson.M{
				"$push": bson.M{"details": detail},
			}); err != nil {
				s.logf("append detail %s/%s: %v", a.ID, detail.CameraName, err)
				return fmt.Errorf("append detail %s/%s: %w", a.ID, detail.CameraName, err)
			}
		}
	}

	return nil
}
