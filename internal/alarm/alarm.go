// Package alarm holds the domain values produced by the extraction engine
// and persisted by the store: one Alarm per device, one Detail per camera.
package alarm

import (
	"fmt"
	"net/netip"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// NotAvailable marks a fact field the extraction engine could not resolve.
const NotAvailable = "Not available"

// Fact is the intermediate record extracted from a single message body.
// Values are kept as extracted; normalization happens in FromFact.
type Fact struct {
	AlarmType  string
	AlarmTime  string
	Source     string
	DeviceName string
	DeviceNo   string
	SerialNo   string
	DeviceIP   string
	EventType  string
	Channel    string
}

// Detail is one camera entry on a device incident.
type Detail struct {
	CameraName    string    `bson:"camera_name"`
	CameraChannel int       `bson:"camera_channel"`
	CountLost     int       `bson:"count_lost"`
	DateLost      time.Time `bson:"date_lost"`
	IsLost        bool      `bson:"is_lost"`
}

// Alarm is the persisted incident record for one device.
// Identity is "{device_ip}:{dvr}".
type Alarm struct {
	ID          string    `bson:"_id"`
	DeviceName  string    `bson:"device_name"`
	DeviceIP    string    `bson:"device_ip"`
	DVR         string    `bson:"dvr"`
	Date        time.Time `bson:"date"`
	CountAlarms int       `bson:"count_alarms"`
	IsIncident  bool      `bson:"is_incident"`
	Details     []Detail  `bson:"details"`
}

var eventTimeLayouts = []string{
	"2006-01-02 15:04:05",
	"02/01/2006 15:04:05",
}

// ParseEventTime parses the timestamp formats DVR appliances put in alarm
// mails. Commas between date and time are treated as spaces.
func ParseEventTime(s string) (time.Time, error) {
	s = strings.Join(strings.Fields(strings.ReplaceAll(s, ",", " ")), " ")
	for _, layout := range eventTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized event time %q", s)
}

// cameraRunPattern matches one camera label run ending in a parenthesized
// channel designator, e.g. "CAM-A (D1)".
var cameraRunPattern = regexp.MustCompile(`(?i).+?\(D\d+\)`)

// SplitCameraSources fans a source label out into individual camera labels.
// A label without at least two channel designators is a single camera.
func SplitCameraSources(source string) []string {
	matches := cameraRunPattern.FindAllString(source, -1)
	if len(matches) <= 1 {
		return []string{source}
	}
	return matches
}

// FromFact builds an immutable Alarm from an extracted fact: fields are
// trimmed and uppercased, the identity key is generated, and multi-camera
// source labels fan out into one Detail per camera (unique camera names,
// first occurrence wins).
func FromFact(f Fact) (Alarm, error) {
	ip, err := netip.ParseAddr(strings.TrimSpace(f.DeviceIP))
	if err != nil {
		return Alarm{}, fmt.Errorf("invalid device ip %q: %w", f.DeviceIP, err)
	}
	date, err := ParseEventTime(f.AlarmTime)
	if err != nil {
		return Alarm{}, err
	}
	channel, err := strconv.Atoi(strings.TrimSpace(f.Channel))
	if err != nil {
		channel = 0
	}

	dvr := normalize(f.DeviceNo)
	if dvr == "" {
		dvr = "1"
	}

	var details []Detail
	seen := make(map[string]struct{})
	for _, cam := range SplitCameraSources(f.Source) {
		name := normalize(cam)
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		details = append(details, Detail{
			CameraName:    name,
			CameraChannel: channel,
			CountLost:     1,
			DateLost:      date,
			IsLost:        false,
		})
	}

	a := Alarm{
		ID:          fmt.Sprintf("%s:%s", ip.String(), dvr),
		DeviceName:  normalize(f.DeviceName),
		DeviceIP:    strings.ToUpper(ip.String()),
		DVR:         dvr,
		Date:        date,
		CountAlarms: 1,
		IsIncident:  false,
		Details:     details,
	}
	return a, nil
}

func normalize(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}
