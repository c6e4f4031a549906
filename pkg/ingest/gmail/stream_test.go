package gmail

import (
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onyx-hq/onyx/pkg/ingest"
	"github.com/onyx-hq/onyx/pkg/models"
)

func TestRequestFactoryTranslatesInterval(t *testing.T) {
	stream := newMessagesStream(nil)
	sc := stream.Context(ingest.Identity{Slug: "gmail", DatasourceID: uuid.New()},
		models.Interval{Start: 1700000000, End: 1700086400}, 50)

	req := stream.RequestFactory(sc)
	assert.Equal(t, "after:1700000000 before:1700086400", req.query)
	assert.Equal(t, 50, req.maxResults)
	assert.Empty(t, req.pageToken)
}

func TestMergeCursorSetsPageToken(t *testing.T) {
	stream := newMessagesStream(nil)
	req := listRequest{query: "after:1 before:2", maxResults: 10}
	merged := stream.MergeCursor(req, "token-2")
	assert.Equal(t, "token-2", merged.pageToken)
	assert.Equal(t, req.query, merged.query)
}

func TestStreamContextSchema(t *testing.T) {
	stream := newMessagesStream(nil)
	sc := stream.Context(ingest.Identity{Slug: "gmail", DatasourceID: uuid.New()},
		models.Interval{}, 100)

	assert.Equal(t, "messages", sc.Name)
	assert.Equal(t, []string{"id"}, sc.KeyProperties)
	assert.Equal(t, "internal_date", sc.BookmarkProperty)
	require.NotNil(t, sc.Strategy)

	names := make([]string, 0, len(sc.Properties))
	for _, property := range sc.Properties {
		names = append(names, property.Name)
	}
	assert.Contains(t, names, "payload")
	assert.Contains(t, names, "internal_date")
}

func TestDeserializePartParsesEmbeddedResponse(t *testing.T) {
	body, err := json.Marshal(map[string]any{
		"id":           "m1",
		"threadId":     "t1",
		"labelIds":     []string{"INBOX"},
		"snippet":      "hi there",
		"historyId":    "h9",
		"internalDate": "1700000000000",
		"payload":      map[string]any{"mimeType": "text/plain"},
	})
	require.NoError(t, err)
	raw := "HTTP/1.1 200 OK\r\nContent-Type: application/json\r\n\r\n" + string(body)

	record, status, err := deserializePart(raw)
	require.NoError(t, err)
	assert.Equal(t, 200, status)
	assert.Equal(t, "m1", record["id"])
	assert.Equal(t, "t1", record["thread_id"])
	assert.Equal(t, "hi there", record["snippet"])
	assert.Equal(t, time.UnixMilli(1700000000000).UTC(), record["internal_date"])

	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(record["payload"].(string)), &payload))
	assert.Equal(t, "text/plain", payload["mimeType"])
}

func TestDeserializePartReportsNon200Status(t *testing.T) {
	raw := "HTTP/1.1 404 Not Found\r\nContent-Type: application/json\r\n\r\n{\"id\":\"gone\"}"
	_, status, err := deserializePart(raw)
	require.NoError(t, err)
	assert.Equal(t, 404, status)
}

func encodeBody(text string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(text))
}

func messageRecord(t *testing.T, payload payloadPart) ingest.Record {
	t.Helper()
	serialized, err := json.Marshal(payload)
	require.NoError(t, err)
	return ingest.Record{
		"id":            "m1",
		"snippet":       "snippet text",
		"payload":       string(serialized),
		"internal_date": time.Unix(1700000000, 0).UTC(),
	}
}

func TestStrategyBuildsDocumentFromPlaintextPart(t *testing.T) {
	payload := payloadPart{
		MimeType: "multipart/alternative",
		Headers: []partHeader{
			{Name: "Subject", Value: "Quarterly report"},
			{Name: "From", Value: "alice@example.com"},
			{Name: "Delivered-To", Value: "bob@example.com"},
			{Name: "Date", Value: "Mon, 13 Nov 2023"},
		},
		Parts: []payloadPart{{MimeType: "text/plain"}},
	}
	payload.Parts[0].Body.Data = encodeBody("Numbers are up.")

	doc, err := Strategy{}.BuildDocument(messageRecord(t, payload))
	require.NoError(t, err)

	assert.Equal(t, "m1", doc.ID)
	assert.Equal(t, int64(1700000000), doc.Timestamp)
	assert.Equal(t, "Quarterly report", doc.Title)
	assert.Equal(t, "https://mail.google.com/mail/u/bob@example.com/#inbox/m1", doc.URL)
	assert.Contains(t, doc.Text, "Subject: Quarterly report")
	assert.Contains(t, doc.Text, "Numbers are up.")
	assert.Contains(t, doc.Metadata, "from_email===alice@example.com")
	assert.Contains(t, doc.Metadata, "to_email===bob@example.com")
	assert.Contains(t, doc.Metadata, "mail_subject===Quarterly report")
}

func TestStrategyFallsBackToSnippetAndHTML(t *testing.T) {
	htmlOnly := payloadPart{
		MimeType: "text/html",
		Headers:  []partHeader{{Name: "Subject", Value: "s"}},
	}
	htmlOnly.Body.Data = encodeBody("<p>Hello <b>world</b></p>")
	doc, err := Strategy{}.BuildDocument(messageRecord(t, htmlOnly))
	require.NoError(t, err)
	assert.Contains(t, doc.Text, "Hello world")

	bare := payloadPart{MimeType: "application/octet-stream"}
	doc, err = Strategy{}.BuildDocument(messageRecord(t, bare))
	require.NoError(t, err)
	assert.Contains(t, doc.Text, "snippet text")
}

func TestStrategyRejectsRecordWithoutPayload(t *testing.T) {
	_, err := Strategy{}.BuildDocument(ingest.Record{"id": "m1"})
	require.ErrorContains(t, err, "no payload")

	_, err = Strategy{}.BuildDocument(ingest.Record{})
	require.ErrorContains(t, err, "no message id")
}
