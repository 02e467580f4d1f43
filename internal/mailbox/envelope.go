package mailbox

import (
	"bytes"
	"errors"
	"html"
	"io"
	"mime"
	stdmail "net/mail"
	"strings"

	gomessage "github.com/emersion/go-message"
	gomail "github.com/emersion/go-message/mail"
	htmlcharset "golang.org/x/net/html/charset"

	"github.com/apnprevent/alarmwatch/internal/extract"
)

const maxBodyBytes = 256 * 1024

func init() {
	gomessage.CharsetReader = func(charset string, input io.Reader) (io.Reader, error) {
		return htmlcharset.NewReaderLabel(charset, input)
	}
}

// Envelope is the decoded view of a fetched message the triage pipeline
// works with.
type Envelope struct {
	Subject  string
	Sender   string
	SenderIP string
	Body     string
}

var wordDecoder = &mime.WordDecoder{}

// ParseEnvelope decodes the subject, sender, and plaintext body of a raw
// RFC822 message. Multipart messages prefer the first text/plain part and
// fall back to the first textual part; HTML is stripped to text.
func ParseEnvelope(raw []byte) (Envelope, error) {
	reader, err := gomail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return Envelope{}, err
	}

	var env Envelope
	env.Subject = subjectFromHeader(&reader.Header)
	env.Sender = senderFromHeader(&reader.Header)
	env.SenderIP = extract.SenderIP(env.Sender)
	env.Body = readBody(reader)
	return env, nil
}

func subjectFromHeader(header *gomail.Header) string {
	if subject, err := header.Subject(); err == nil && subject != "" {
		return subject
	}
	raw := strings.TrimSpace(header.Get("Subject"))
	if raw == "" {
		return ""
	}
	if decoded, err := wordDecoder.DecodeHeader(raw); err == nil {
		return decoded
	}
	return raw
}

func senderFromHeader(header *gomail.Header) string {
	if list, err := header.AddressList("From"); err == nil && len(list) > 0 {
		return strings.TrimSpace(list[0].Address)
	}
	raw := header.Get("From")
	if addr, err := stdmail.ParseAddress(raw); err == nil {
		return strings.TrimSpace(addr.Address)
	}
	return strings.TrimSpace(raw)
}

// readBody walks the message parts collecting the best textual candidate.
func readBody(reader *gomail.Reader) string {
	var plain, htmlBody, other string
	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			break
		}
		inline, ok := part.Header.(*gomail.InlineHeader)
		if !ok {
			continue
		}
		mimeType, _, ctErr := inline.ContentType()
		if ctErr != nil {
			mimeType = "text/plain"
		}
		mimeType = strings.ToLower(strings.TrimSpace(mimeType))
		body, readErr := io.ReadAll(io.LimitReader(part.Body, maxBodyBytes))
		if readErr != nil || len(body) == 0 {
			continue
		}
		switch {
		case strings.HasPrefix(mimeType, "text/plain"):
			if plain == "" {
				plain = string(body)
			}
		case strings.HasPrefix(mimeType, "text/html"):
			if htmlBody == "" {
				htmlBody = htmlToText(string(body))
			}
		case strings.HasPrefix(mimeType, "text/"):
			if other == "" {
				other = string(body)
			}
		}
		if plain != "" {
			break
		}
	}
	if plain != "" {
		return plain
	}
	if htmlBody != "" {
		return htmlBody
	}
	return other
}

// htmlToText strips markup and decodes entities.
func htmlToText(input string) string {
	var b strings.Builder
	b.Grow(len(input))
	inTag := false
	for _, r := range input {
		switch r {
		case '<':
			inTag = true
		case '>':
			if inTag {
				inTag = false
				b.WriteRune(' ')
			}
		default:
			if !inTag {
				b.WriteRune(r)
			}
		}
	}
	return strings.TrimSpace(html.UnescapeString(b.String()))
}
