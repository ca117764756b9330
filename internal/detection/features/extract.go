package features

import (
	"github.com/dbsentry/ueba-pipeline/internal/domain/events"
)

// Extractor ties the stateless lexical/structural/operational/temporal
// derivations to the stateful per-user window, producing one Features
// value per RawEvent. It must never panic — ParseStructural already
// recovers internally, and every other derivation here operates on plain
// strings and numbers that cannot fail.
type Extractor struct {
	tracker       *UserTracker
	lateNight     LateNightWindow
	adminKeywords []string
}

// NewExtractor builds an Extractor over a shared UserTracker (so windowed
// features accumulate correctly across a detection engine's lifetime, not
// just within one batch). adminKeywords is config.Signatures.AdminKeywords,
// the config-driven admin/privilege-change keyword list (§9).
func NewExtractor(tracker *UserTracker, lateNight LateNightWindow, adminKeywords []string) *Extractor {
	return &Extractor{tracker: tracker, lateNight: lateNight, adminKeywords: adminKeywords}
}

// Extract derives the full feature vector for one event.
func (x *Extractor) Extract(ev events.RawEvent) events.Features {
	var f events.Features

	length, entropy, hasComment, hasHex, isSelectStar, hasIntoOutfile, hasLoadData := Lexical(ev.SQLText)
	f.QueryLength = length
	f.QueryEntropy = entropy
	f.HasComment = hasComment
	f.HasHex = hasHex
	f.IsSelectStar = isSelectStar
	f.HasIntoOutfile = hasIntoOutfile
	f.HasLoadData = hasLoadData

	s := ParseStructural(ev.SQLText)
	f.ParseFailed = s.ParseFailed
	f.NumTables = s.NumTables
	f.NumJoins = s.NumJoins
	f.NumWhereConditions = s.NumWhereConditions
	f.NumGroupByCols = s.NumGroupByCols
	f.NumOrderByCols = s.NumOrderByCols
	f.HasLimit = s.HasLimit
	f.HasOrderBy = s.HasOrderBy
	f.HasSubquery = s.HasSubquery
	f.SubqueryDepth = s.SubqueryDepth
	f.HasUnion = s.HasUnion
	f.HasWhere = s.HasWhere
	f.IsWriteQuery = s.IsWriteQuery
	f.IsDDLQuery = s.IsDDLQuery
	f.AccessedTables = s.AccessedTables

	op := ComputeOperational(ev.SQLText, s.AccessedTables, ev.RowsReturned, ev.RowsExamined, x.adminKeywords)
	f.ScanEfficiency = op.ScanEfficiency
	f.IsSystemTable = op.IsSystemTable
	f.IsAdminCommand = op.IsAdminCommand
	f.IsRiskyCommand = op.IsRiskyCommand
	f.IsPrivilegeChange = op.IsPrivilegeChange
	f.IsSuspiciousFunc = op.IsSuspiciousFunc

	f.IsLateNight = IsLateNight(ev.TS, x.lateNight)
	f.IsWorkHours = IsWorkHours(ev.TS)

	windowed := x.tracker.Observe(ev.User, ev.TS, ev.ErrorCode != 0, ev.RowsReturned, ev.ExecutionTimeMs)
	f.QueryCount5m = windowed.QueryCount5m
	f.ErrorCount5m = windowed.ErrorCount5m
	f.TotalRows5m = windowed.TotalRows5m
	f.DataRetrievalSpeed = windowed.DataRetrievalSpeed
	f.ExecutionTimeMsZScore = windowed.ExecutionTimeMsZScore
	f.RowsReturnedZScore = windowed.RowsReturnedZScore

	return f
}
