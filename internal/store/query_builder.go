package store

import (
	"fmt"
	"strings"

	"github.com/malbeclabs/servicegraph/internal/params"
)

const (
	nodesTable         = "nodes"
	edgesTable         = "edges"
	edgesByMinuteTable = "edges_by_minute"
)

// Predicate is a single WHERE clause with its positional bindings. Expr only ever holds column
// names and placeholders; values travel in Args.
type Predicate struct {
	Expr string
	Args []any
}

func eq(column string, v any) Predicate {
	return Predicate{Expr: column + " = ?", Args: []any{v}}
}

func gte(column string, v any) Predicate {
	return Predicate{Expr: column + " >= ?", Args: []any{v}}
}

func lte(column string, v any) Predicate {
	return Predicate{Expr: column + " <= ?", Args: []any{v}}
}

// nodeTypeIn restricts column to the given types. A nil filter yields no predicate.
func nodeTypeIn(column string, types params.NodeTypes) Predicate {
	if len(types) == 0 {
		return Predicate{}
	}
	placeholders := make([]string, len(types))
	args := make([]any, len(types))
	for i, t := range types {
		placeholders[i] = "?"
		args[i] = uint8(t)
	}
	return Predicate{
		Expr: fmt.Sprintf("%s IN (%s)", column, strings.Join(placeholders, ", ")),
		Args: args,
	}
}

// minuteWindow bounds the per-minute rollup. The start is aligned down to its minute so the
// bucket containing start is included; only the histogram reads at this granularity.
func minuteWindow(w params.Window) []Predicate {
	return []Predicate{
		{Expr: "minute >= toStartOfMinute(?)", Args: []any{w.Start}},
		lte("minute", w.End),
	}
}

func tsWindow(w params.Window) []Predicate {
	return []Predicate{gte("ts", w.Start), lte("ts", w.End)}
}

// buildWhere joins the non-empty predicates with AND and collects their arguments in order.
// It returns an empty clause when there is nothing to filter on.
func buildWhere(preds ...Predicate) (string, []any) {
	var exprs []string
	var args []any
	for _, p := range preds {
		if p.Expr == "" {
			continue
		}
		exprs = append(exprs, p.Expr)
		args = append(args, p.Args...)
	}
	if len(exprs) == 0 {
		return "", nil
	}
	return "WHERE " + strings.Join(exprs, " AND "), args
}

// BuildResult contains the generated query and its arguments.
type BuildResult struct {
	Query string
	Args  []any
}

// QueryBuilder constructs the event store read queries.
type QueryBuilder struct{}

func NewQueryBuilder() *QueryBuilder {
	return &QueryBuilder{}
}

// currentNodes reduces node observations to their latest version by timestamp. The tuple keeps
// every field from the same observation, including NULLs.
func (qb *QueryBuilder) currentNodes(projectID uint64) (string, []any) {
	where, args := buildWhere(eq("project_id", projectID))
	return fmt.Sprintf(`current_nodes AS (
		SELECT
			node_id,
			tupleElement(latest, 1) AS node_type,
			tupleElement(latest, 2) AS name,
			tupleElement(latest, 3) AS description,
			tupleElement(latest, 4) AS class,
			tupleElement(latest, 5) AS parent_id
		FROM (
			SELECT node_id, argMax(tuple(node_type, name, description, class, parent_id), ts) AS latest
			FROM %s
			%s
			GROUP BY node_id
		)
	)`, nodesTable, where), args
}

// GraphEdges builds the combined-edge query: per (from, to) pair with ts inside the window,
// summed status counters and the latest non-null edge metadata, joined with the current metadata
// of both endpoints. Edges whose endpoints were never registered are dropped by the join.
func (qb *QueryBuilder) GraphEdges(q params.GraphQuery) *BuildResult {
	cte, cteArgs := qb.currentNodes(q.ProjectID)
	edgeWhere, edgeArgs := buildWhere(append([]Predicate{eq("project_id", q.ProjectID)}, tsWindow(q.Window)...)...)
	outerWhere, outerArgs := buildWhere(
		nodeTypeIn("f.node_type", q.FromTypes),
		nodeTypeIn("t.node_type", q.ToTypes),
	)

	query := fmt.Sprintf(`
		WITH %s
		SELECT
			e.from_node_id AS from_node_id,
			f.node_type AS from_node_type,
			f.name AS from_name,
			f.description AS from_description,
			f.class AS from_class,
			f.parent_id AS from_parent_id,
			e.to_node_id AS to_node_id,
			t.node_type AS to_node_type,
			t.name AS to_name,
			t.description AS to_description,
			t.class AS to_class,
			t.parent_id AS to_parent_id,
			e.status_ok AS status_ok,
			e.status_expected_error AS status_expected_error,
			e.status_unexpected_error AS status_unexpected_error,
			e.description AS edge_description,
			e.class AS edge_class
		FROM (
			SELECT
				from_node_id,
				to_node_id,
				sumIf(toUInt64(n), status = 1) AS status_ok,
				sumIf(toUInt64(n), status = 2) AS status_expected_error,
				sumIf(toUInt64(n), status = 3) AS status_unexpected_error,
				argMaxIf(description, ts, isNotNull(description)) AS description,
				argMaxIf(class, ts, isNotNull(class)) AS class
			FROM %s
			%s
			GROUP BY from_node_id, to_node_id
		) AS e
		INNER JOIN current_nodes AS f ON f.node_id = e.from_node_id
		INNER JOIN current_nodes AS t ON t.node_id = e.to_node_id
		%s`,
		cte, edgesTable, edgeWhere, outerWhere,
	)

	args := make([]any, 0, len(cteArgs)+len(edgeArgs)+len(outerArgs))
	args = append(args, cteArgs...)
	args = append(args, edgeArgs...)
	args = append(args, outerArgs...)
	return &BuildResult{Query: query, Args: args}
}

// ActiveNodes builds the last-activity query over raw edges. Each edge counts for both of its
// endpoints.
func (qb *QueryBuilder) ActiveNodes(q params.ActiveNodesQuery) *BuildResult {
	cte, cteArgs := qb.currentNodes(q.ProjectID)
	edgeWhere, edgeArgs := buildWhere(append([]Predicate{eq("project_id", q.ProjectID)}, tsWindow(q.Window)...)...)
	outerWhere, outerArgs := buildWhere(nodeTypeIn("n.node_type", q.Types))

	query := fmt.Sprintf(`
		WITH %s
		SELECT
			a.node_id AS node_id,
			n.node_type AS node_type,
			n.name AS name,
			n.description AS description,
			n.class AS class,
			n.parent_id AS parent_id,
			a.last_activity AS last_activity
		FROM (
			SELECT arrayJoin([from_node_id, to_node_id]) AS node_id, max(ts) AS last_activity
			FROM %s
			%s
			GROUP BY node_id
		) AS a
		INNER JOIN current_nodes AS n ON n.node_id = a.node_id
		%s`,
		cte, edgesTable, edgeWhere, outerWhere,
	)

	args := make([]any, 0, len(cteArgs)+len(edgeArgs)+len(outerArgs))
	args = append(args, cteArgs...)
	args = append(args, edgeArgs...)
	args = append(args, outerArgs...)
	return &BuildResult{Query: query, Args: args}
}

// Histogram builds the per-minute traffic volume query. Empty minutes are omitted.
func (qb *QueryBuilder) Histogram(q params.HistogramQuery) *BuildResult {
	where, args := buildWhere(append([]Predicate{eq("project_id", q.ProjectID)}, minuteWindow(q.Window)...)...)

	query := fmt.Sprintf(`
		SELECT
			minute,
			sumMerge(status_ok) + sumMerge(status_expected_error) + sumMerge(status_unexpected_error) AS n
		FROM %s
		%s
		GROUP BY minute
		HAVING n > 0
		ORDER BY minute ASC`,
		edgesByMinuteTable, where,
	)
	return &BuildResult{Query: query, Args: args}
}

func insertNodesQuery() string {
	return fmt.Sprintf(`INSERT INTO %s (project_id, node_id, node_type, name, description, class, parent_id, ts)`, nodesTable)
}

func insertEdgesQuery() string {
	return fmt.Sprintf(`INSERT INTO %s (project_id, ts, from_node_id, to_node_id, status, n, description, class)`, edgesTable)
}
