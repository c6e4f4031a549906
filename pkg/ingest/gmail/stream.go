package gmail

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/onyx-hq/onyx/pkg/ingest"
	"github.com/onyx-hq/onyx/pkg/models"
)

const (
	messagesPath   = "/gmail/v1/users/me/messages"
	batchPath      = "/batch/gmail/v1"
	batchBoundary  = "batch_gmail_read"
	fetchAttempts  = 5
	streamMessages = "messages"
)

type listRequest struct {
	query      string
	maxResults int
	pageToken  string
}

type listResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
	NextPageToken string `json:"nextPageToken"`
}

// messagesStream pages the mailbox message list and hydrates each page with
// a batch GET.
type messagesStream struct {
	source *Source
}

func newMessagesStream(source *Source) *messagesStream {
	return &messagesStream{source: source}
}

func (s *messagesStream) Name() string { return streamMessages }

func (s *messagesStream) Context(identity ingest.Identity, interval models.Interval, batchSize int) ingest.StreamContext {
	return ingest.StreamContext{
		Name:     streamMessages,
		Identity: identity,
		Interval: interval,
		Properties: []ingest.Property{
			{Name: "id", Type: "!string"},
			{Name: "thread_id", Type: "!string"},
			{Name: "label_ids", Type: "!array<!string>"},
			{Name: "snippet", Type: "!string"},
			{Name: "history_id", Type: "!string"},
			{Name: "internal_date", Type: "!timestamp"},
			{Name: "payload", Type: "!string"},
		},
		KeyProperties:    []string{"id"},
		BookmarkProperty: "internal_date",
		BatchSize:        batchSize,
		Strategy:         &Strategy{},
	}
}

func (s *messagesStream) Drip(ctx context.Context, sc ingest.StreamContext, yield func(batch []ingest.Record) error) error {
	return ingest.Drip[listRequest, *listResponse](ctx, s, sc, yield)
}

// RequestFactory translates the run interval into the provider's search
// query.
func (s *messagesStream) RequestFactory(sc ingest.StreamContext) listRequest {
	return listRequest{
		query:      fmt.Sprintf("after:%d before:%d", sc.Interval.Start, sc.Interval.End),
		maxResults: sc.BatchSize,
	}
}

func (s *messagesStream) Retrieve(ctx context.Context, req listRequest) (*listResponse, error) {
	query := map[string]string{
		"q":          req.query,
		"maxResults": strconv.Itoa(req.maxResults),
	}
	if req.pageToken != "" {
		query["pageToken"] = req.pageToken
	}
	resp, err := s.source.call(ctx, http.MethodGet, messagesPath, query, "", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var parsed listResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to parse message list: %w", err)
	}
	return &parsed, nil
}

// ExtractRecords hydrates the listed message ids with a batch GET. Items
// that fail within an otherwise good batch are retried alone.
func (s *messagesStream) ExtractRecords(ctx context.Context, resp *listResponse) ([]ingest.Record, error) {
	ids := make([]string, 0, len(resp.Messages))
	for _, message := range resp.Messages {
		ids = append(ids, message.ID)
	}
	slog.Info("Extracting message records", "count", len(ids))

	results := make(map[string]ingest.Record, len(ids))
	pending := ids
	err := ingest.RetryBatch(ctx, fetchAttempts, func() error {
		fetched, failed, err := s.batchMessages(ctx, pending)
		if err != nil {
			return err
		}
		for id, record := range fetched {
			results[id] = record
		}
		if len(failed) > 0 {
			pending = failed
			return fmt.Errorf("failed to fetch %d messages", len(failed))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	records := make([]ingest.Record, 0, len(ids))
	for _, id := range ids {
		if record, ok := results[id]; ok {
			records = append(records, record)
		}
	}
	return records, nil
}

func (s *messagesStream) ExtractCursor(resp *listResponse) string {
	return resp.NextPageToken
}

func (s *messagesStream) MergeCursor(req listRequest, cursor string) listRequest {
	req.pageToken = cursor
	return req
}

// batchMessages fetches full messages with one multipart batch request.
// Returns the parsed records plus the ids whose parts came back non-200.
func (s *messagesStream) batchMessages(ctx context.Context, ids []string) (map[string]ingest.Record, []string, error) {
	records := make(map[string]ingest.Record, len(ids))
	if len(ids) == 0 {
		return records, nil, nil
	}

	var body strings.Builder
	writer := multipart.NewWriter(&body)
	if err := writer.SetBoundary(batchBoundary); err != nil {
		return nil, nil, err
	}
	for _, id := range ids {
		header := textproto.MIMEHeader{}
		header.Set("Content-Type", "application/http")
		header.Set("Content-Id", id)
		part, err := writer.CreatePart(header)
		if err != nil {
			return nil, nil, err
		}
		fmt.Fprintf(part, "GET %s/%s", messagesPath, id)
	}
	if err := writer.Close(); err != nil {
		return nil, nil, err
	}

	resp, err := s.source.call(ctx, http.MethodPost, batchPath, nil,
		"multipart/mixed; boundary="+batchBoundary, strings.NewReader(body.String()))
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	_, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse batch content type: %w", err)
	}
	reader := multipart.NewReader(resp.Body, params["boundary"])

	var failed []string
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read batch part: %w", err)
		}
		if part.Header.Get("Content-Type") != "application/http" {
			continue
		}
		id := strings.TrimPrefix(part.Header.Get("Content-Id"), "response-")
		payload, err := io.ReadAll(part)
		if err != nil {
			return nil, nil, err
		}
		record, status, err := deserializePart(string(payload))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to parse part for message %s: %w", id, err)
		}
		if status != http.StatusOK {
			failed = append(failed, id)
			continue
		}
		records[id] = record
	}
	return records, failed, nil
}

// deserializePart splits one embedded HTTP response into its status and
// JSON body and maps it onto the stream's record shape.
func deserializePart(raw string) (ingest.Record, int, error) {
	normalized := strings.ReplaceAll(raw, "\r\n", "\n")
	statusLine, rest, found := strings.Cut(normalized, "\n")
	if !found {
		return nil, 0, fmt.Errorf("part carries no status line")
	}
	fields := strings.SplitN(statusLine, " ", 3)
	if len(fields) < 2 {
		return nil, 0, fmt.Errorf("malformed status line %q", statusLine)
	}
	status, err := strconv.Atoi(fields[1])
	if err != nil {
		return nil, 0, fmt.Errorf("malformed status %q", fields[1])
	}
	_, content, found := strings.Cut(rest, "\n\n")
	if !found {
		return nil, 0, fmt.Errorf("part carries no body")
	}

	var message struct {
		ID           string          `json:"id"`
		ThreadID     string          `json:"threadId"`
		LabelIDs     []string        `json:"labelIds"`
		Snippet      string          `json:"snippet"`
		HistoryID    string          `json:"historyId"`
		InternalDate string          `json:"internalDate"`
		Payload      json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal([]byte(content), &message); err != nil {
		return nil, 0, fmt.Errorf("failed to parse message body: %w", err)
	}

	record := ingest.Record{
		"id":         message.ID,
		"thread_id":  message.ThreadID,
		"label_ids":  message.LabelIDs,
		"snippet":    message.Snippet,
		"history_id": message.HistoryID,
		"payload":    string(message.Payload),
	}
	if message.InternalDate != "" {
		millis, err := strconv.ParseInt(message.InternalDate, 10, 64)
		if err != nil {
			return nil, 0, fmt.Errorf("malformed internal date %q", message.InternalDate)
		}
		record["internal_date"] = time.UnixMilli(millis).UTC()
	}
	return record, status, nil
}
