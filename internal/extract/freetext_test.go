package extract

import (
	"testing"

	"github.com/apnprevent/alarmwatch/internal/alarm"
	"github.com/stretchr/testify/require"
)

func lossRules() []PatternRule {
	return []PatternRule{
		{
			ID:        "hikvision_loss",
			Detection: "LOST CONNECTION",
			Fields: map[string]string{
				FieldDeviceName: `(\S+)\(\d{1,3}(?:\.\d{1,3}){3}\)`,
				FieldDeviceIP:   `\((\d{1,3}(?:\.\d{1,3}){3})\)`,
				FieldSource:     `(\S+ \(D\d+\)) LOST CONNECTION`,
				FieldAlarmTime:  `LOST CONNECTION AT (\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2})`,
			},
		},
		{
			ID:        "generic_offline",
			Detection: "DEVICE OFFLINE",
			Fields: map[string]string{
				FieldDeviceName: `DEVICE OFFLINE: (\S+)`,
			},
		},
	}
}

func TestExtractFreeTextScenario(t *testing.T) {
	body := "alert: DVR01(192.168.1.5) CAM-A (D1) lost connection at 2025-10-23 10:00:00 please check"
	fact, err := ExtractFreeText(body, lossRules())
	require.NoError(t, err)
	require.Equal(t, "DVR01", fact.DeviceName)
	require.Equal(t, "192.168.1.5", fact.DeviceIP)
	require.Equal(t, "CAM-A (D1)", fact.Source)
	require.Equal(t, "2025-10-23 10:00:00", fact.AlarmTime)
	require.Equal(t, "1", fact.DeviceNo)
	require.Equal(t, "0", fact.Channel)
}

func TestExtractFreeTextFirstRuleWins(t *testing.T) {
	rules := lossRules()
	// A body matching both anchors must use the first rule in catalog order.
	body := "DVR9(10.0.0.9) CAM (D1) LOST CONNECTION AT 2025-10-23 10:00:00 DEVICE OFFLINE: OTHER"
	fact, err := ExtractFreeText(body, rules)
	require.NoError(t, err)
	require.Equal(t, "DVR9", fact.DeviceName)
}

func TestExtractFreeTextNoAnchor(t *testing.T) {
	_, err := ExtractFreeText("routine status report, nothing wrong", lossRules())
	require.ErrorIs(t, err, ErrNoPattern)
}

func TestExtractFreeTextDeviceNameGate(t *testing.T) {
	// Anchor matches but the device-name regex does not resolve.
	_, err := ExtractFreeText("something lost connection somewhere", lossRules())
	require.ErrorIs(t, err, ErrDeviceName)
}

func TestExtractFreeTextNormalizesWhitespace(t *testing.T) {
	body := "DVR01(192.168.1.5)   CAM-A (D1)\n\nlost   connection at 2025-10-23 10:00:00"
	fact, err := ExtractFreeText(body, lossRules())
	require.NoError(t, err)
	require.Equal(t, "CAM-A (D1)", fact.Source)
}

func TestExtractFreeTextUnmatchedFieldsKeepDefaults(t *testing.T) {
	fact, err := ExtractFreeText("DEVICE OFFLINE: NVR7 in warehouse", lossRules())
	require.NoError(t, err)
	require.Equal(t, "NVR7", fact.DeviceName)
	require.Equal(t, alarm.NotAvailable, fact.DeviceIP)
	require.Equal(t, alarm.NotAvailable, fact.Source)
}
