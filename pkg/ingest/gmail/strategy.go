package gmail

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/onyx-hq/onyx/pkg/ingest"
)

type partHeader struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type payloadPart struct {
	MimeType string       `json:"mimeType"`
	Headers  []partHeader `json:"headers"`
	Body     struct {
		Data string `json:"data"`
	} `json:"body"`
	Parts []payloadPart `json:"parts"`
}

// email is the flattened view of one message used for the document text and
// metadata.
type email struct {
	subject   string
	fromEmail string
	toEmail   string
	date      string
	textBody  string
}

// Strategy derives embeddable documents from raw message records.
type Strategy struct{}

func (Strategy) BuildDocument(record ingest.Record) (ingest.Document, error) {
	id, _ := record["id"].(string)
	if id == "" {
		return ingest.Document{}, fmt.Errorf("record carries no message id")
	}
	payload, ok := record["payload"].(string)
	if !ok || payload == "" {
		return ingest.Document{}, fmt.Errorf("message %s carries no payload", id)
	}
	var root payloadPart
	if err := json.Unmarshal([]byte(payload), &root); err != nil {
		return ingest.Document{}, fmt.Errorf("failed to parse payload of message %s: %w", id, err)
	}

	parsed := extractEmail(root)
	if parsed.textBody == "" {
		parsed.textBody, _ = record["snippet"].(string)
	}

	var timestamp int64
	if internalDate, ok := record["internal_date"].(time.Time); ok {
		timestamp = internalDate.Unix()
	}

	return ingest.Document{
		ID:        id,
		Timestamp: timestamp,
		Title:     parsed.subject,
		URL:       fmt.Sprintf("https://mail.google.com/mail/u/%s/#inbox/%s", parsed.toEmail, id),
		Text:      documentText(parsed),
		Metadata: []string{
			"from_email===" + parsed.fromEmail,
			"to_email===" + parsed.toEmail,
			"mail_subject===" + parsed.subject,
		},
	}, nil
}

// documentText renders the email the way it is embedded: headers first,
// then the body.
func documentText(e email) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Subject: %s\n", e.subject)
	fmt.Fprintf(&b, "From: %s\n", e.fromEmail)
	fmt.Fprintf(&b, "To: %s\n", e.toEmail)
	if e.date != "" {
		fmt.Fprintf(&b, "Date: %s\n", e.date)
	}
	b.WriteString("\n")
	b.WriteString(e.textBody)
	return b.String()
}

func extractEmail(root payloadPart) email {
	e := email{
		subject:   findHeader(root.Headers, "Subject"),
		fromEmail: findHeader(root.Headers, "From"),
		toEmail:   findHeader(root.Headers, "Delivered-To"),
		date:      findHeader(root.Headers, "Date"),
	}
	if part := findPart(root, "text/plain"); part != nil {
		e.textBody = decodePart(*part)
	} else if part := findPart(root, "text/html"); part != nil {
		e.textBody = stripTags(decodePart(*part))
	}
	return e
}

func findHeader(headers []partHeader, name string) string {
	for _, header := range headers {
		if header.Name == name {
			return header.Value
		}
	}
	return ""
}

// findPart walks the part tree depth-first for the first part of the
// requested mime type.
func findPart(part payloadPart, mimeType string) *payloadPart {
	if part.MimeType == mimeType {
		return &part
	}
	for i := range part.Parts {
		if found := findPart(part.Parts[i], mimeType); found != nil {
			return found
		}
	}
	return nil
}

// decodePart decodes the base64url body. Decode failures yield empty text
// rather than failing the record.
func decodePart(part payloadPart) string {
	decoded, err := base64.URLEncoding.WithPadding(base64.NoPadding).
		DecodeString(strings.TrimRight(part.Body.Data, "="))
	if err != nil {
		return ""
	}
	return string(decoded)
}

// stripTags removes markup from an HTML body so at least the visible text
// is embeddable.
func stripTags(html string) string {
	var b strings.Builder
	inTag := false
	for _, r := range html {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
			b.WriteRune(' ')
		case !inTag:
			b.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}
