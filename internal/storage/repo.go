package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"mimir/internal/apperr"
)

var ErrNotFound = fmt.Errorf("%w: record", apperr.ErrNotFound)

func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	q := s.sql.Insert("settings").
		Columns("key", "value", "updated_at").
		Values(key, value, nowExpr(s.driver)).
		Suffix("ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at")

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build set setting query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("set setting: %w", err)
	}
	return nil
}

func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	q := s.sql.Select("value").From("settings").Where(sq.Eq{"key": key})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return "", fmt.Errorf("build get setting query: %w", err)
	}
	var value string
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("get setting: %w", err)
	}
	return value, nil
}

func (s *Store) DeleteSetting(ctx context.Context, key string) error {
	return s.deleteWhere(ctx, "settings", sq.Eq{"key": key})
}

func (s *Store) ListSettings(ctx context.Context) ([]Setting, error) {
	q := s.sql.Select("key", "value", "updated_at").From("settings").OrderBy("key ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list settings query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list settings: %w", err)
	}
	defer rows.Close()

	out := make([]Setting, 0)
	for rows.Next() {
		var st Setting
		if err := rows.Scan(&st.Key, &st.Value, &st.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan setting row: %w", err)
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate setting rows: %w", err)
	}
	return out, nil
}

func (s *Store) PutCredential(ctx context.Context, provider, encAPIKey string) error {
	q := s.sql.Insert("provider_credentials").
		Columns("provider", "enc_api_key", "updated_at").
		Values(provider, encAPIKey, nowExpr(s.driver)).
		Suffix("ON CONFLICT(provider) DO UPDATE SET enc_api_key=excluded.enc_api_key, updated_at=excluded.updated_at")

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build put credential query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("put credential: %w", err)
	}
	return nil
}

func (s *Store) GetCredential(ctx context.Context, provider string) (Credential, error) {
	q := s.sql.Select("provider", "enc_api_key", "updated_at").
		From("provider_credentials").
		Where(sq.Eq{"provider": provider})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Credential{}, fmt.Errorf("build get credential query: %w", err)
	}
	var c Credential
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&c.Provider, &c.EncAPIKey, &c.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Credential{}, ErrNotFound
		}
		return Credential{}, fmt.Errorf("get credential: %w", err)
	}
	return c, nil
}

func (s *Store) DeleteCredential(ctx context.Context, provider string) error {
	return s.deleteWhere(ctx, "provider_credentials", sq.Eq{"provider": provider})
}

func (s *Store) ListCredentials(ctx context.Context) ([]Credential, error) {
	q := s.sql.Select("provider", "enc_api_key", "updated_at").
		From("provider_credentials").
		OrderBy("provider ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list credentials query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close()

	out := make([]Credential, 0)
	for rows.Next() {
		var c Credential
		if err := rows.Scan(&c.Provider, &c.EncAPIKey, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan credential row: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate credential rows: %w", err)
	}
	return out, nil
}

func (s *Store) LogUsage(ctx context.Context, e UsageEntry) error {
	q := s.sql.Insert("usage_log").
		Columns("provider", "model", "conversation_id", "prompt_tokens", "completion_tokens", "total_tokens", "cost").
		Values(e.Provider, e.Model, e.ConversationID, e.PromptTokens, e.CompletionTokens, e.TotalTokens, e.Cost)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build usage insert query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("insert usage entry: %w", err)
	}
	return nil
}

// SummarizeUsage totals the usage log per provider, ordered by provider.
func (s *Store) SummarizeUsage(ctx context.Context) ([]UsageTotal, error) {
	q := s.sql.Select(
		"provider",
		"COUNT(*)",
		"COALESCE(SUM(prompt_tokens), 0)",
		"COALESCE(SUM(completion_tokens), 0)",
		"COALESCE(SUM(total_tokens), 0)",
		"COALESCE(SUM(cost), 0)",
	).From("usage_log").GroupBy("provider").OrderBy("provider ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build usage summary query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("summarize usage: %w", err)
	}
	defer rows.Close()

	out := make([]UsageTotal, 0)
	for rows.Next() {
		var u UsageTotal
		if err := rows.Scan(&u.Provider, &u.Requests, &u.PromptTokens, &u.CompletionTokens, &u.TotalTokens, &u.Cost); err != nil {
			return nil, fmt.Errorf("scan usage row: %w", err)
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate usage rows: %w", err)
	}
	return out, nil
}

func (s *Store) deleteWhere(ctx context.Context, table string, where sq.Eq) error {
	q := s.sql.Delete(table).Where(where)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build delete %s query: %w", table, err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("delete from %s: %w", table, err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func nowExpr(driver string) any {
	if driver == "postgres" {
		return sq.Expr("NOW()")
	}
	return sq.Expr("CURRENT_TIMESTAMP")
}
