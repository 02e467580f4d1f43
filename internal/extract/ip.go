package extract

import (
	"regexp"

	"github.com/apnprevent/alarmwatch/internal/alarm"
)

var (
	senderIPPattern = regexp.MustCompile(`^(\d{1,3}(?:\.\d{1,3}){3})@`)
	ipv4Pattern     = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)
)

// SenderIP returns the IPv4 address a sender address encodes before the "@",
// or "" when the local part is not an address. DVRs commonly send from
// "192.168.1.5@device.local".
func SenderIP(addr string) string {
	if m := senderIPPattern.FindStringSubmatch(addr); m != nil {
		return m[1]
	}
	return ""
}

// ResolveDeviceIP refines a fact's device IP: a sender-embedded address
// wins outright; otherwise an unavailable IP is recovered from an
// IPv4-looking substring of the device name when one exists.
func ResolveDeviceIP(senderIP string, fact alarm.Fact) alarm.Fact {
	if senderIP != "" {
		fact.DeviceIP = senderIP
		return fact
	}
	if fact.DeviceIP == alarm.NotAvailable {
		if ip := ipv4Pattern.FindString(fact.DeviceName); ip != "" {
			fact.DeviceIP = ip
		}
	}
	return fact
}
