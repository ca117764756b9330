package features

import (
	"regexp"
	"strings"
)

// Structural is the best-effort parse result described in §4.4.1. There is
// no SQL grammar library anywhere in this codebase's dependency set, so
// this is a deliberately approximate lexer: it looks for keyword
// boundaries rather than building an AST, which is enough to answer the
// yes/no and count questions the rules need.
type Structural struct {
	ParseFailed        bool
	NumTables          int
	NumJoins           int
	NumWhereConditions int
	NumGroupByCols     int
	NumOrderByCols     int
	HasLimit           bool
	HasOrderBy         bool
	HasSubquery        bool
	SubqueryDepth      int
	HasUnion           bool
	HasWhere           bool
	IsWriteQuery       bool
	IsDDLQuery         bool
	AccessedTables     []string
}

var (
	writeCommands = []string{"insert", "update", "delete", "replace"}
	ddlCommands   = []string{"create", "alter", "drop", "truncate", "rename"}

	fromClauseRe  = regexp.MustCompile(`(?i)\bfrom\s+([a-zA-Z0-9_\.` + "`" + `]+)`)
	joinClauseRe  = regexp.MustCompile(`(?i)\bjoin\s+([a-zA-Z0-9_\.` + "`" + `]+)`)
	updateRe      = regexp.MustCompile(`(?i)^\s*update\s+([a-zA-Z0-9_\.` + "`" + `]+)`)
	intoRe        = regexp.MustCompile(`(?i)\binto\s+([a-zA-Z0-9_\.` + "`" + `]+)`)
	whereRe       = regexp.MustCompile(`(?i)\bwhere\b`)
	groupByRe     = regexp.MustCompile(`(?i)\bgroup\s+by\s+(.+?)(?:\border\s+by\b|\blimit\b|$)`)
	orderByRe     = regexp.MustCompile(`(?i)\border\s+by\s+(.+?)(?:\blimit\b|$)`)
	limitRe       = regexp.MustCompile(`(?i)\blimit\b`)
	unionRe       = regexp.MustCompile(`(?i)\bunion\b`)
	subselectRe   = regexp.MustCompile(`(?i)\(\s*select\b`)
)

// ParseStructural derives the structural feature set from raw SQL text. It
// recovers from any unexpected panic in the regex/string machinery and
// returns the zero Structural (ParseFailed=true) instead, satisfying the
// "must not raise" requirement.
func ParseStructural(sql string) (result Structural) {
	defer func() {
		if r := recover(); r != nil {
			result = Structural{ParseFailed: true}
		}
	}()

	trimmed := strings.TrimSpace(sql)
	lower := strings.ToLower(trimmed)

	result.IsWriteQuery = startsWithAny(lower, writeCommands)
	result.IsDDLQuery = startsWithAny(lower, ddlCommands)

	result.HasWhere = whereRe.MatchString(sql)
	if result.HasWhere {
		result.NumWhereConditions = countConditions(sql)
	}

	result.HasLimit = limitRe.MatchString(sql)
	result.HasUnion = unionRe.MatchString(sql)
	result.NumJoins = len(joinClauseRe.FindAllStringSubmatch(sql, -1))

	if m := groupByRe.FindStringSubmatch(sql); m != nil {
		result.NumGroupByCols = countColumns(m[1])
	}
	if m := orderByRe.FindStringSubmatch(sql); m != nil {
		result.HasOrderBy = true
		result.NumOrderByCols = countColumns(m[1])
	}

	result.AccessedTables = accessedTables(sql)
	result.NumTables = len(result.AccessedTables)

	result.SubqueryDepth = len(subselectRe.FindAllStringIndex(sql, -1))
	result.HasSubquery = result.SubqueryDepth > 0

	return result
}

func startsWithAny(lower string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(lower, p) {
			return true
		}
	}
	return false
}

// countConditions approximates the number of WHERE predicates by counting
// boolean connectives plus one for the base condition.
func countConditions(sql string) int {
	lower := strings.ToLower(sql)
	idx := strings.Index(lower, "where")
	if idx < 0 {
		return 0
	}
	clause := lower[idx+len("where"):]
	if end := strings.Index(clause, "group by"); end >= 0 {
		clause = clause[:end]
	}
	if end := strings.Index(clause, "order by"); end >= 0 {
		clause = clause[:end]
	}
	if end := strings.Index(clause, "limit"); end >= 0 {
		clause = clause[:end]
	}
	count := 1
	count += strings.Count(clause, " and ")
	count += strings.Count(clause, " or ")
	return count
}

func countColumns(clause string) int {
	clause = strings.TrimSpace(clause)
	if clause == "" {
		return 0
	}
	parts := strings.Split(clause, ",")
	n := 0
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			n++
		}
	}
	return n
}

// accessedTables collects the ordered, deduplicated set of table names
// referenced via FROM, JOIN, UPDATE, or INTO clauses.
func accessedTables(sql string) []string {
	seen := make(map[string]bool)
	var out []string

	add := func(name string) {
		name = strings.Trim(name, "`\"'")
		if name == "" || seen[name] {
			return
		}
		seen[name] = true
		out = append(out, name)
	}

	for _, m := range fromClauseRe.FindAllStringSubmatch(sql, -1) {
		add(m[1])
	}
	for _, m := range joinClauseRe.FindAllStringSubmatch(sql, -1) {
		add(m[1])
	}
	if m := updateRe.FindStringSubmatch(sql); m != nil {
		add(m[1])
	}
	for _, m := range intoRe.FindAllStringSubmatch(sql, -1) {
		add(m[1])
	}
	return out
}
