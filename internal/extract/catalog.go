// Package extract turns raw alarm-mail bodies into facts, either by reading
// the structured XML/CDATA payload some appliances embed or by applying a
// catalog of free-text regex rules.
package extract

// Canonical output field names shared by both extraction strategies. The
// pattern catalog keys its regex maps and label-variant lists by these.
const (
	FieldAlarmType  = "alarm_type"
	FieldAlarmTime  = "alarm_time"
	FieldSource     = "alarm_source"
	FieldDeviceName = "device_name"
	FieldDeviceNo   = "device_no"
	FieldSerialNo   = "serial_no"
	FieldDeviceIP   = "device_ip"
	FieldEventType  = "event_type"
	FieldChannel    = "channel"
)

// StructuredFieldsID keys the distinguished catalog entry carrying the
// structured-payload label variants instead of regex rules.
const StructuredFieldsID = "data_xml"

// PatternRule selects and drives free-text extraction for one mail family.
// Detection is a literal substring looked up in the uppercased body; Fields
// maps canonical field names to regex rules whose first capture group is
// the value.
type PatternRule struct {
	ID        string            `bson:"_id"`
	Detection string            `bson:"detection"`
	Fields    map[string]string `bson:"fields"`
}

// StructuredFields is the catalog entry consumed by structured extraction:
// for each canonical field, the label variants accepted inside the CDATA
// payload, in preference order.
type StructuredFields struct {
	ID     string              `bson:"_id"`
	Fields map[string][]string `bson:"fields"`
}
