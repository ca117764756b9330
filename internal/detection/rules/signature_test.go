package rules

import (
	"testing"
	"time"

	"github.com/dbsentry/ueba-pipeline/internal/config"
	"github.com/dbsentry/ueba-pipeline/internal/domain/events"
)

func TestSignatureFiresSQLInjection(t *testing.T) {
	cfg := config.New()
	sig := NewSignature(*cfg)

	ev := events.RawEvent{TS: time.Now(), User: "webapp", NormalizedSQL: "SELECT * FROM users WHERE id = ? OR 1=1"}
	findings := sig.Evaluate(ev, events.Features{})

	found := false
	for _, f := range findings {
		if f.AnomalyType == "SQL_INJECTION" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected SQL_INJECTION finding, got %+v", findings)
	}
}

func TestSignatureFiresMassDeletion(t *testing.T) {
	cfg := config.New()
	sig := NewSignature(*cfg)

	ev := events.RawEvent{TS: time.Now(), User: "svc", NormalizedSQL: "DELETE FROM orders WHERE 1=1", RowsAffected: 10000}
	findings := sig.Evaluate(ev, events.Features{IsWriteQuery: true})

	found := false
	for _, f := range findings {
		if f.AnomalyType == "MASS_DELETION" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected MASS_DELETION finding, got %+v", findings)
	}
}

func TestSignatureFiresPrivilegeChangeForNonAdmin(t *testing.T) {
	cfg := config.New()
	cfg.Rules.AdminUsers = []string{"dba_root"}
	sig := NewSignature(*cfg)

	ev := events.RawEvent{TS: time.Now(), User: "webapp", NormalizedSQL: "GRANT ALL ON *.* TO 'webapp'@'%'"}
	findings := sig.Evaluate(ev, events.Features{IsPrivilegeChange: true})

	found := false
	for _, f := range findings {
		if f.AnomalyType == "PRIVILEGE_CHANGE" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected PRIVILEGE_CHANGE finding for non-admin user, got %+v", findings)
	}
}

func TestSignatureAllowsPrivilegeChangeForAdminUser(t *testing.T) {
	cfg := config.New()
	cfg.Rules.AdminUsers = []string{"dba_root"}
	sig := NewSignature(*cfg)

	ev := events.RawEvent{TS: time.Now(), User: "dba_root", NormalizedSQL: "GRANT ALL ON *.* TO 'app'@'%'"}
	findings := sig.Evaluate(ev, events.Features{IsPrivilegeChange: true})

	for _, f := range findings {
		if f.AnomalyType == "PRIVILEGE_CHANGE" {
			t.Fatalf("did not expect PRIVILEGE_CHANGE for an admin-allow-listed user, got %+v", findings)
		}
	}
}

func TestSignatureAllowedUsersSensitiveDoesNotGrantPrivilegeChangeException(t *testing.T) {
	cfg := config.New()
	cfg.Rules.AllowedUsersSensitive = []string{"hr_admin"}
	sig := NewSignature(*cfg)

	ev := events.RawEvent{TS: time.Now(), User: "hr_admin", NormalizedSQL: "GRANT ALL ON *.* TO 'app'@'%'"}
	findings := sig.Evaluate(ev, events.Features{IsPrivilegeChange: true})

	found := false
	for _, f := range findings {
		if f.AnomalyType == "PRIVILEGE_CHANGE" {
			found = true
		}
	}
	if !found {
		t.Fatalf("sensitive-table allow-list must not exempt PRIVILEGE_CHANGE, got %+v", findings)
	}
}

func TestSignatureNoFindingsOnOrdinaryQuery(t *testing.T) {
	cfg := config.New()
	sig := NewSignature(*cfg)

	ev := events.RawEvent{TS: time.Now(), User: "app", NormalizedSQL: "SELECT id FROM orders WHERE customer_id = ?", ExecutionTimeMs: 5, RowsExamined: 10, RowsReturned: 10}
	findings := sig.Evaluate(ev, events.Features{ScanEfficiency: 1.0})

	if len(findings) != 0 {
		t.Fatalf("expected no findings, got %+v", findings)
	}
}
