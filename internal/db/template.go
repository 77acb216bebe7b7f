package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/libcrowds/analyst/internal/analysis"
)

// CreateTemplate inserts a unit-of-work type's matching configuration.
func (db *DB) CreateTemplate(ctx context.Context, tmpl *analysis.Template) error {
	if tmpl.ID == "" {
		tmpl.ID = uuid.New().String()
	}
	rules, err := json.Marshal(tmpl.Rules)
	if err != nil {
		return fmt.Errorf("failed to encode template rules: %w", err)
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO templates (template_id, name, mode, min_answers, max_answers, rules)
		VALUES (?, ?, ?, ?, ?, ?)`,
		tmpl.ID, tmpl.Name, tmpl.Mode, tmpl.MinAnswers, tmpl.MaxAnswers, string(rules),
	)
	if err != nil {
		return fmt.Errorf("failed to create template: %w", err)
	}
	return nil
}

// TemplateRules resolves a template by ID, or (nil, nil) when there is none.
func (db *DB) TemplateRules(ctx context.Context, templateID string) (*analysis.Template, error) {
	var (
		tmpl  analysis.Template
		rules string
	)
	err := db.QueryRowContext(ctx, `
		SELECT template_id, name, mode, min_answers, max_answers, rules
		FROM templates WHERE template_id = ?`, templateID,
	).Scan(&tmpl.ID, &tmpl.Name, &tmpl.Mode, &tmpl.MinAnswers, &tmpl.MaxAnswers, &rules)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(rules), &tmpl.Rules); err != nil {
		return nil, fmt.Errorf("template %s has invalid rules JSON: %w", tmpl.ID, err)
	}
	return &tmpl, nil
}
