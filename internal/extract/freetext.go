package extract

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/apnprevent/alarmwatch/internal/alarm"
)

// ErrNoPattern is returned when no catalog rule's detection anchor occurs in
// the message body.
var ErrNoPattern = errors.New("no matching alarm pattern for text")

// ErrDeviceName is the free-text acceptance gate: a body that matched a rule
// but yielded no device name is not really an alarm mail.
var ErrDeviceName = errors.New("device name not found in text")

// ExtractFreeText applies the first catalog rule whose detection anchor
// occurs in the body. The body is whitespace-normalized and uppercased
// before matching; rule order is the tie-break.
func ExtractFreeText(body string, rules []PatternRule) (alarm.Fact, error) {
	text := strings.ToUpper(strings.Join(strings.Fields(body), " "))

	var rule *PatternRule
	for i := range rules {
		if rules[i].Detection != "" && strings.Contains(text, rules[i].Detection) {
			rule = &rules[i]
			break
		}
	}
	if rule == nil {
		return alarm.Fact{}, ErrNoPattern
	}

	fields := map[string]string{
		FieldAlarmType:  alarm.NotAvailable,
		FieldAlarmTime:  alarm.NotAvailable,
		FieldSource:     alarm.NotAvailable,
		FieldDeviceName: alarm.NotAvailable,
		FieldDeviceNo:   "1",
		FieldSerialNo:   alarm.NotAvailable,
		FieldDeviceIP:   alarm.NotAvailable,
		FieldEventType:  alarm.NotAvailable,
		FieldChannel:    "0",
	}
	for name, expr := range rule.Fields {
		re, err := regexp.Compile(expr)
		if err != nil {
			return alarm.Fact{}, fmt.Errorf("rule %s field %s: %w", rule.ID, name, err)
		}
		if m := re.FindStringSubmatch(text); len(m) > 1 {
			fields[name] = strings.TrimSpace(m[1])
		}
	}

	fact := FactFromFields(fields)
	if fact.DeviceName == alarm.NotAvailable {
		return alarm.Fact{}, ErrDeviceName
	}
	return fact, nil
}

// FactFromFields maps a canonical field map onto a Fact. Absent keys come
// back as empty strings; both strategies populate the full set.
func FactFromFields(fields map[string]string) alarm.Fact {
	return alarm.Fact{
		AlarmType:  fields[FieldAlarmType],
		AlarmTime:  fields[FieldAlarmTime],
		Source:     fields[FieldSource],
		DeviceName: fields[FieldDeviceName],
		DeviceNo:   fields[FieldDeviceNo],
		SerialNo:   fields[FieldSerialNo],
		DeviceIP:   fields[FieldDeviceIP],
		EventType:  fields[FieldEventType],
		Channel:    fields[FieldChannel],
	}
}
