package extract

import (
	"errors"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/beevik/etree"
	"golang.org/x/text/encoding/charmap"
)

// ErrorMarker is written into every field when structured extraction fails
// at the engine level. Callers treat such a result as invalid but non-fatal.
const ErrorMarker = "Error in XML"

// payloadContainer is the fixed element whose text carries the key/value run.
const payloadContainer = "ExtraText"

var (
	payloadPattern = regexp.MustCompile(`(?is)<\?xml[\s\S]*?</Alarm>`)
	xmlDeclPattern = regexp.MustCompile(`(?s)<\?xml.*?\?>`)
	cdataPattern   = regexp.MustCompile(`(?s)<!\[CDATA\[(.*?)\]\]>`)
	controlChars   = regexp.MustCompile(`[\x00-\x08\x0B\x0C\x0E-\x1F\x7F]`)
)

// FindPayload locates the embedded structured payload in a message body.
// An empty result means the body carries no structured payload and the
// free-text strategy applies.
func FindPayload(body string) string {
	return payloadPattern.FindString(body)
}

// ExtractStructured reads the configured fields out of a structured payload.
// The result is deterministic for a given payload and configuration; on any
// engine-level failure every configured field is set to ErrorMarker.
func ExtractStructured(payload []byte, cfg StructuredFields) map[string]string {
	content, err := payloadText(payload)
	if err != nil {
		return errorResult(cfg)
	}
	return extractAllFields(content, cfg.Fields)
}

// payloadText decodes, cleans, and parses the payload, returning the text of
// the container element.
func payloadText(payload []byte) (string, error) {
	xmlStr := cleanPayload(decodePayload(payload))

	doc := etree.NewDocument()
	if err := doc.ReadFromString(xmlStr); err != nil || doc.Root() == nil {
		// Some appliances emit malformed CDATA; strip the wrappers and retry.
		xmlStr = cdataPattern.ReplaceAllString(xmlStr, "$1")
		doc = etree.NewDocument()
		if err := doc.ReadFromString(xmlStr); err != nil {
			return "", err
		}
	}
	root := doc.Root()
	if root == nil {
		return "", errNoRoot
	}
	if container := root.FindElement(payloadContainer); container != nil {
		return container.Text(), nil
	}
	return "", nil
}

var errNoRoot = errors.New("structured payload has no root element")

// decodePayload decodes bytes as UTF-8, falling back to Latin-1, then
// collapses whitespace while restoring tag boundaries.
func decodePayload(payload []byte) string {
	var s string
	if utf8.Valid(payload) {
		s = string(payload)
	} else {
		decoded, err := charmap.ISO8859_1.NewDecoder().Bytes(payload)
		if err != nil {
			s = string(payload)
		} else {
			s = string(decoded)
		}
	}
	s = strings.Join(strings.Fields(s), " ")
	return strings.ReplaceAll(s, "> <", ">\n<")
}

func cleanPayload(xmlStr string) string {
	xmlStr = xmlDeclPattern.ReplaceAllString(xmlStr, `<?xml version="1.0" encoding="utf-8"?>`)
	xmlStr = controlChars.ReplaceAllString(xmlStr, "")
	return cdataPattern.ReplaceAllStringFunc(xmlStr, func(m string) string {
		inner := cdataPattern.FindStringSubmatch(m)[1]
		return "<![CDATA[" + strings.Join(strings.Fields(inner), " ") + "]]>"
	})
}

func extractAllFields(content string, fields map[string][]string) map[string]string {
	variants := make([][]string, 0, len(fields))
	for _, v := range fields {
		variants = append(variants, v)
	}
	result := make(map[string]string, len(fields))
	for name, labels := range fields {
		result[name] = extractFieldValue(content, labels, variants)
	}
	return result
}

// extractFieldValue scans the content for the first matching label variant.
// The value runs from just after the label and its separator up to the
// nearest occurrence of any other configured label, or end of content.
func extractFieldValue(content string, labels []string, allVariants [][]string) string {
	for _, label := range labels {
		idx := strings.Index(content, label)
		if idx < 0 {
			continue
		}
		start := idx + len(label)
		if strings.HasPrefix(content[start:], " : ") {
			start += 3
		} else if strings.HasPrefix(content[start:], ":") {
			start++
		}
		end := findValueEnd(content, start, allVariants)
		return strings.Join(strings.Fields(content[start:end]), " ")
	}
	return "0"
}

func findValueEnd(content string, start int, allVariants [][]string) int {
	end := len(content)
	for _, variants := range allVariants {
		for _, label := range variants {
			if pos := strings.Index(content[start:], label); pos >= 0 && start+pos < end {
				end = start + pos
			}
		}
	}
	return end
}

func errorResult(cfg StructuredFields) map[string]string {
	result := make(map[string]string, len(cfg.Fields))
	for name := range cfg.Fields {
		result[name] = ErrorMarker
	}
	return result
}

// IsErrorResult reports whether a structured result carries the error marker.
func IsErrorResult(fields map[string]string) bool {
	if len(fields) == 0 {
		return true
	}
	for _, v := range fields {
		if v == ErrorMarker {
			return true
		}
	}
	return false
}
