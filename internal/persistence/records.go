package persistence

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// AttachTemplate links a template to a task. Re-attaching the same code is a no-op.
func (tx *Tx) AttachTemplate(ctx context.Context, itemID string, t TemplateLink) error {
	switch t.Type {
	case TemplatePrimary, TemplateChecklist, TemplateReference:
	default:
		return fmt.Errorf("attach template %s: unknown type %q", t.Code, t.Type)
	}
	code := strings.TrimSpace(t.Code)
	if code == "" {
		return fmt.Errorf("attach template: empty code")
	}
	if _, err := tx.tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO queue_item_templates (id, item_id, template_code, template_type, version, source_path, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?);
	`, uuid.NewString(), itemID, code, t.Type, t.Version, t.SourcePath, tx.Now()); err != nil {
		return fmt.Errorf("insert template link: %w", err)
	}
	return nil
}

func (s *Store) ListTemplates(ctx context.Context, itemID string) ([]TemplateLink, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, item_id, template_code, template_type, version, source_path, created_at
		FROM queue_item_templates
		WHERE item_id = ?
		ORDER BY CASE template_type WHEN 'primary' THEN 0 WHEN 'checklist' THEN 1 ELSE 2 END, template_code;
	`, itemID)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	defer rows.Close()
	var out []TemplateLink
	for rows.Next() {
		var t TemplateLink
		if err := rows.Scan(&t.ID, &t.ItemID, &t.Code, &t.Type, &t.Version, &t.SourcePath, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan template: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// InsertArtifact records a submitted link or stored file against a task.
func (tx *Tx) InsertArtifact(ctx context.Context, a Artifact) (*Artifact, error) {
	switch a.Kind {
	case ArtifactLink:
		if a.URL == "" {
			return nil, fmt.Errorf("insert artifact: link without url")
		}
	case ArtifactFile:
		if a.StoragePath == "" {
			return nil, fmt.Errorf("insert artifact: file without storage path")
		}
	default:
		return nil, fmt.Errorf("insert artifact: unknown kind %q", a.Kind)
	}
	a.ID = uuid.NewString()
	a.CreatedAt = tx.Now()
	if _, err := tx.tx.ExecContext(ctx, `
		INSERT INTO queue_item_artifacts (id, item_id, kind, title, url, storage_path, media_type, size_bytes, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
	`, a.ID, a.ItemID, a.Kind, a.Title, a.URL, a.StoragePath, a.MediaType, a.SizeBytes, nullString(a.CreatedBy), a.CreatedAt); err != nil {
		return nil, fmt.Errorf("insert artifact: %w", err)
	}
	return &a, nil
}

func (s *Store) ListArtifacts(ctx context.Context, itemID string) ([]Artifact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, item_id, kind, title, url, storage_path, media_type, size_bytes, COALESCE(created_by, ''), created_at
		FROM queue_item_artifacts
		WHERE item_id = ?
		ORDER BY created_at ASC, id ASC;
	`, itemID)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()
	var out []Artifact
	for rows.Next() {
		var a Artifact
		if err := rows.Scan(&a.ID, &a.ItemID, &a.Kind, &a.Title, &a.URL, &a.StoragePath, &a.MediaType, &a.SizeBytes, &a.CreatedBy, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// AuditEntry is a row of the audit_log table.
type AuditEntry struct {
	ID        int64  `json:"id"`
	TraceID   string `json:"trace_id"`
	Subject   string `json:"subject"`
	Action    string `json:"action"`
	Decision  string `json:"decision"`
	Reason    string `json:"reason"`
	CreatedAt string `json:"created_at"`
}

// ListAudit returns the most recent audit rows, newest first.
func (s *Store) ListAudit(ctx context.Context, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, trace_id, subject, action, decision, reason, CAST(created_at AS TEXT)
		FROM audit_log
		ORDER BY id DESC
		LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()
	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.ID, &e.TraceID, &e.Subject, &e.Action, &e.Decision, &e.Reason, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
