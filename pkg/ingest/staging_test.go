package ingest

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onyx-hq/onyx/pkg/models"
)

func stagingContext() StreamContext {
	return StreamContext{
		Name: "messages",
		Identity: Identity{
			Slug:         "gmail",
			DatasourceID: uuid.MustParse("6f1e1cda-0db1-4f50-a99c-4302d0597af2"),
		},
		Properties: []Property{
			{Name: "id", Type: "!string"},
			{Name: "snippet", Type: "!string"},
			{Name: "internal_date", Type: "!timestamp"},
			{Name: "label_ids", Type: "!array<!string>"},
		},
		KeyProperties: []string{"id"},
	}
}

func TestStagingTableNameEmbedsSlugStreamAndDatasource(t *testing.T) {
	sink := NewStagingSink(nil, "staging", false)
	assert.Equal(t,
		`"staging"."gmail__messages__6f1e1cda-0db1-4f50-a99c-4302d0597af2"`,
		sink.TableName(stagingContext()))
}

func TestStagingCreateTableStatement(t *testing.T) {
	sink := NewStagingSink(nil, "staging", false)
	statement := sink.createTableStatement(stagingContext())
	assert.Contains(t, statement, "CREATE TABLE IF NOT EXISTS")
	assert.Contains(t, statement, `"id" text`)
	assert.Contains(t, statement, `"internal_date" timestamptz`)
	assert.Contains(t, statement, `"label_ids" jsonb`)
	assert.Contains(t, statement, `PRIMARY KEY ("id")`)
}

func TestStagingUpsertStatementUpdatesNonKeyColumns(t *testing.T) {
	sink := NewStagingSink(nil, "staging", false)
	statement := sink.upsertStatement(stagingContext())
	assert.Contains(t, statement, `ON CONFLICT ("id") DO UPDATE SET`)
	assert.Contains(t, statement, `"snippet" = EXCLUDED."snippet"`)
	assert.NotContains(t, statement, `"id" = EXCLUDED."id"`)
}

func TestRecordArgsSerializesCompositeValues(t *testing.T) {
	sc := stagingContext()
	args, err := recordArgs(sc, Record{
		"id":        "m1",
		"snippet":   "hello",
		"label_ids": []string{"INBOX"},
	})
	require.NoError(t, err)
	require.Len(t, args, 4)
	assert.Equal(t, "m1", args[0])
	assert.JSONEq(t, `["INBOX"]`, string(args[3].([]byte)))
}

func TestBookmarksInsertKeepsIntervalsSortedAndDisjoint(t *testing.T) {
	bookmarks := models.Bookmarks{}
	bookmarks.Insert("messages", models.Interval{Start: 30, End: 40})
	bookmarks.Insert("messages", models.Interval{Start: 10, End: 20})
	assert.Equal(t, []models.Interval{{Start: 10, End: 20}, {Start: 30, End: 40}},
		bookmarks["messages"])

	bookmarks.Insert("messages", models.Interval{Start: 18, End: 32})
	assert.Equal(t, []models.Interval{{Start: 10, End: 40}}, bookmarks["messages"])

	bookmarks.Insert("messages", models.Interval{Start: 40, End: 45})
	assert.Equal(t, []models.Interval{{Start: 10, End: 45}}, bookmarks["messages"])
}
