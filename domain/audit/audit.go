// Package audit implements the append-only audit ledger: every pre-check,
// post-check, escalation, and review decision is recorded as a Record,
// linked to its predecessor by ParentAuditID, never mutated in place
// (spec §4.7).
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/guardianrail/safety/domain/ruletypes"
)

// Stage names the pipeline point a Record was produced at.
type Stage string

const (
	StagePreCheck  Stage = "pre"
	StagePostCheck Stage = "post"
	StageEscalate  Stage = "escalate"
	StageReview    Stage = "review"
	StageTimeout   Stage = "timeout"
	StageInject    Stage = "inject"
)

// Status is the lifecycle state of an audited decision.
type Status string

const (
	StatusOpen      Status = "open"
	StatusEscalated Status = "escalated"
	StatusApproved  Status = "approved"
	StatusBlocked   Status = "blocked"
	StatusResolved  Status = "resolved"
)

// Record is one append-only audit entry.
type Record struct {
	AuditID       string
	ParentAuditID string
	RequestID     string
	TraceID       string
	SubjectID     string
	Stage         Stage
	Decision      string
	ReasonCode    string
	RuleIDs       []string
	Severity      ruletypes.Severity
	Status        Status
	ReviewerID    string
	Notes         string
	CreatedTs     time.Time
	UpdatedTs     time.Time
}

// Store is the audit ledger's persistence contract: Append creates new,
// immutable rows; Amend creates a new row linked to its predecessor. There
// is deliberately no Update — the ledger never rewrites history.
type Store interface {
	Append(ctx context.Context, r Record) (Record, error)
	Amend(ctx context.Context, parentAuditID string, r Record) (Record, error)
	Get(ctx context.Context, auditID string) (Record, error)
	Lineage(ctx context.Context, auditID string) ([]Record, error)
	ListOpen(ctx context.Context, limit int) ([]Record, error)
}

// PostgresStore persists Records to an append-only audit_records table,
// built on database/sql and the lib/pq driver, ported from
// internal/platform/database.Open.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an already-opened *sql.DB (see
// internal/platform/database.Open).
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Schema is the DDL for the audit_records table, applied by the service's
// migration step at startup.
const Schema = `
CREATE TABLE IF NOT EXISTS audit_records (
	audit_id        UUID PRIMARY KEY,
	parent_audit_id UUID NULL REFERENCES audit_records(audit_id),
	request_id      TEXT NOT NULL,
	trace_id        TEXT NOT NULL,
	subject_id      TEXT NOT NULL,
	stage           TEXT NOT NULL,
	decision        TEXT NOT NULL,
	reason_code     TEXT NOT NULL,
	rule_ids        TEXT NOT NULL DEFAULT '',
	severity        TEXT NOT NULL,
	status          TEXT NOT NULL,
	reviewer_id     TEXT NOT NULL DEFAULT '',
	notes           TEXT NOT NULL DEFAULT '',
	created_ts      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_ts      TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_audit_records_subject ON audit_records(subject_id);
CREATE INDEX IF NOT EXISTS idx_audit_records_status ON audit_records(status) WHERE status = 'open';
`

// Append inserts a new top-level audit record.
func (s *PostgresStore) Append(ctx context.Context, r Record) (Record, error) {
	return s.insert(ctx, "", r)
}

// Amend inserts a new record whose ParentAuditID links it to parentAuditID,
// representing a follow-up decision (escalation, review outcome) without
// mutating the original row.
func (s *PostgresStore) Amend(ctx context.Context, parentAuditID string, r Record) (Record, error) {
	return s.insert(ctx, parentAuditID, r)
}

func (s *PostgresStore) insert(ctx context.Context, parentAuditID string, r Record) (Record, error) {
	if r.AuditID == "" {
		r.AuditID = uuid.New().String()
	}
	now := time.Now()
	r.ParentAuditID = parentAuditID
	r.CreatedTs = now
	r.UpdatedTs = now

	var parent interface{}
	if parentAuditID != "" {
		parent = parentAuditID
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_records
			(audit_id, parent_audit_id, request_id, trace_id, subject_id, stage,
			 decision, reason_code, rule_ids, severity, status, reviewer_id, notes,
			 created_ts, updated_ts)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
	`,
		r.AuditID, parent, r.RequestID, r.TraceID, r.SubjectID, string(r.Stage),
		r.Decision, r.ReasonCode, strings.Join(r.RuleIDs, ","), r.Severity.String(), string(r.Status),
		r.ReviewerID, r.Notes, r.CreatedTs, r.UpdatedTs,
	)
	if err != nil {
		return Record{}, fmt.Errorf("audit: insert %s: %w", r.AuditID, err)
	}
	return r, nil
}

func (s *PostgresStore) Get(ctx context.Context, auditID string) (Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT audit_id, COALESCE(parent_audit_id::text, ''), request_id, trace_id, subject_id,
		       stage, decision, reason_code, rule_ids, severity, status, reviewer_id, notes,
		       created_ts, updated_ts
		FROM audit_records WHERE audit_id = $1
	`, auditID)
	return scanRecord(row)
}

func (s *PostgresStore) Lineage(ctx context.Context, auditID string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		WITH RECURSIVE chain AS (
			SELECT * FROM audit_records WHERE audit_id = $1
			UNION ALL
			SELECT a.* FROM audit_records a JOIN chain c ON a.parent_audit_id = c.audit_id
		)
		SELECT audit_id, COALESCE(parent_audit_id::text, ''), request_id, trace_id, subject_id,
		       stage, decision, reason_code, rule_ids, severity, status, reviewer_id, notes,
		       created_ts, updated_ts
		FROM chain ORDER BY created_ts ASC
	`, auditID)
	if err != nil {
		return nil, fmt.Errorf("audit: lineage %s: %w", auditID, err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

func (s *PostgresStore) ListOpen(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT audit_id, COALESCE(parent_audit_id::text, ''), request_id, trace_id, subject_id,
		       stage, decision, reason_code, rule_ids, severity, status, reviewer_id, notes,
		       created_ts, updated_ts
		FROM audit_records WHERE status = 'open' ORDER BY created_ts ASC LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: list open: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (Record, error) {
	var r Record
	var stage, severity, status, ruleIDs string
	if err := row.Scan(&r.AuditID, &r.ParentAuditID, &r.RequestID, &r.TraceID, &r.SubjectID,
		&stage, &r.Decision, &r.ReasonCode, &ruleIDs, &severity, &status, &r.ReviewerID, &r.Notes,
		&r.CreatedTs, &r.UpdatedTs); err != nil {
		return Record{}, fmt.Errorf("audit: scan: %w", err)
	}
	r.Stage = Stage(stage)
	r.Status = Status(status)
	if ruleIDs != "" {
		r.RuleIDs = strings.Split(ruleIDs, ",")
	}
	sev, err := ruletypes.ParseSeverity(severity)
	if err == nil {
		r.Severity = sev
	}
	return r, nil
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	var out []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
