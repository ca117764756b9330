package features

import "strings"

var systemSchemas = map[string]bool{
	"information_schema": true,
	"mysql":               true,
	"performance_schema":  true,
	"sys":                 true,
}

var suspiciousFuncs = []string{"sleep(", "benchmark(", "updatexml(", "extractvalue("}

var riskyDDLCommands = []string{"drop", "truncate"}

// ComputeOperational derives operational features from the raw SQL and row
// counters. adminKeywords is config.Signatures.AdminKeywords (§9 "config-
// driven dispatch"): both the admin-command and privilege-change signals
// are driven off it rather than a hardcoded list, so a test (or operator)
// can vary the keyword set without a code change.
func ComputeOperational(sql string, accessedTables []string, rowsReturned, rowsExamined int64, adminKeywords []string) Operational {
	lower := strings.ToLower(sql)

	var op Operational
	op.ScanEfficiency = float64(rowsReturned) / float64(rowsExamined+1)

	for _, t := range accessedTables {
		schema := t
		if idx := strings.Index(t, "."); idx >= 0 {
			schema = t[:idx]
		}
		if systemSchemas[strings.ToLower(schema)] {
			op.IsSystemTable = true
			break
		}
	}

	lowerKeywords := make([]string, len(adminKeywords))
	for i, kw := range adminKeywords {
		lowerKeywords[i] = strings.ToLower(kw)
	}

	op.IsAdminCommand = startsWithAny(lower, lowerKeywords)
	op.IsRiskyCommand = startsWithAny(lower, riskyDDLCommands)
	op.IsPrivilegeChange = startsWithAny(lower, lowerKeywords)

	for _, fn := range suspiciousFuncs {
		if strings.Contains(lower, fn) {
			op.IsSuspiciousFunc = true
			break
		}
	}

	return op
}

// Operational derives the rows-ratio and command-classification signals
// from §4.4.1. accessedTables should be the fully-qualified table names
// found by ParseStructural.
type Operational struct {
	ScanEfficiency    float64
	IsSystemTable     bool
	IsAdminCommand    bool
	IsRiskyCommand    bool
	IsPrivilegeChange bool
	IsSuspiciousFunc  bool
}
