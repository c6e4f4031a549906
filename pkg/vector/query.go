package vector

import (
	"fmt"
	"strings"
)

// Query describes one retrieval call.
type Query struct {
	Text       string
	Embedding  []float32
	Ranking    Ranking
	Hits       int
	TargetHits int
	Filter     string
	GroupNames []string
}

const defaultTargetHits = 1000

// body builds the search request payload. Hybrid queries rank by both the
// text match and the nearest-neighbor expression; semantic queries use the
// neighbor expression alone.
func (q Query) body() map[string]any {
	targetHits := q.TargetHits
	if targetHits <= 0 {
		targetHits = defaultTargetHits
	}
	neighbor := fmt.Sprintf("{targetHits:%d}nearestNeighbor(embeddings,q)", targetHits)

	yql := "select * from sources * where "
	if q.Ranking == RankingHybrid {
		if q.Filter != "" {
			yql += fmt.Sprintf("rank(userQuery(), %s, %s)", neighbor, q.Filter)
		} else {
			yql += fmt.Sprintf("rank(userQuery(), %s)", neighbor)
		}
	} else {
		yql += neighbor
		if q.Filter != "" {
			yql += " and " + q.Filter
		}
	}

	body := map[string]any{
		"yql":            yql,
		"input.query(q)": q.Embedding,
		"ranking":        string(q.Ranking),
		"hits":           q.Hits,
	}
	if q.Ranking == RankingHybrid {
		body["query"] = q.Text
	}
	if selection := q.selection(); selection != "" {
		body["streaming.selection"] = selection
	}
	return body
}

// selection builds the streaming group filter restricting the search to the
// caller's data-source groups.
func (q Query) selection() string {
	if len(q.GroupNames) == 0 {
		return ""
	}
	clauses := make([]string, len(q.GroupNames))
	for i, group := range q.GroupNames {
		clauses[i] = fmt.Sprintf("id.group == %q", group)
	}
	return strings.Join(clauses, " or ")
}
