package store

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Postgres is a Store backed by PostgreSQL. Sessions live in a sessions
// table with turns in a child table, so reaping a session cascades to its
// history.
type Postgres struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPostgres connects to Postgres and runs any pending schema migrations.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}
	if err := migrate(pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Postgres{pool: pool, now: time.Now}, nil
}

func migrate(pool *pgxpool.Pool) error {
	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set migration dialect: %w", err)
	}
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

func (p *Postgres) GetOrCreate(ctx context.Context, id, persona string) (*Session, error) {
	now := p.now()
	var storedPersona string
	err := p.pool.QueryRow(ctx, `
		INSERT INTO sessions (id, persona, last_accessed) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET last_accessed = EXCLUDED.last_accessed
		RETURNING persona`,
		id, persona, now).Scan(&storedPersona)
	if err != nil {
		return nil, fmt.Errorf("get or create session: %w", err)
	}
	sess := &Session{ID: id, Persona: persona, LastAccessed: now}
	if storedPersona != "" {
		sess.Persona = storedPersona
	}
	history, err := p.loadTurns(ctx, p.pool, id)
	if err != nil {
		return nil, err
	}
	sess.History = history
	return sess, nil
}

func (p *Postgres) History(ctx context.Context, id string) ([]Turn, error) {
	tag, err := p.pool.Exec(ctx,
		`UPDATE sessions SET last_accessed = $2 WHERE id = $1`, id, p.now())
	if err != nil {
		return nil, fmt.Errorf("touch session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrSessionNotFound
	}
	return p.loadTurns(ctx, p.pool, id)
}

func (p *Postgres) Append(ctx context.Context, id string, max int, turns ...Turn) error {
	return p.withTx(ctx, func(tx pgx.Tx) error {
		// Recreate on write so a reaped-but-active session comes back.
		_, err := tx.Exec(ctx, `
			INSERT INTO sessions (id, last_accessed) VALUES ($1, $2)
			ON CONFLICT (id) DO UPDATE SET last_accessed = EXCLUDED.last_accessed`,
			id, p.now())
		if err != nil {
			return fmt.Errorf("touch session: %w", err)
		}
		for _, turn := range turns {
			var result []byte
			if turn.ToolResult != nil {
				result, err = json.Marshal(turn.ToolResult)
				if err != nil {
					return fmt.Errorf("marshal tool result: %w", err)
				}
			}
			_, err = tx.Exec(ctx, `
				INSERT INTO turns (session_id, role, content, tool_name, tool_result)
				VALUES ($1, $2, $3, $4, $5)`,
				id, string(turn.Role), turn.Text, turn.ToolName, result)
			if err != nil {
				return fmt.Errorf("insert turn: %w", err)
			}
		}
		if max > 0 {
			return trimTurns(ctx, tx, id, max)
		}
		return nil
	})
}

func (p *Postgres) RetractUserTurn(ctx context.Context, id string) (bool, error) {
	removed := false
	err := p.withTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT id, role FROM turns WHERE session_id = $1 ORDER BY id FOR UPDATE`, id)
		if err != nil {
			return fmt.Errorf("load turns: %w", err)
		}
		type turnRow struct {
			id   int64
			role Role
		}
		var all []turnRow
		for rows.Next() {
			var row turnRow
			var role string
			if err := rows.Scan(&row.id, &role); err != nil {
				rows.Close()
				return fmt.Errorf("scan turn: %w", err)
			}
			row.role = Role(role)
			all = append(all, row)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("load turns: %w", err)
		}

		history := make([]Turn, len(all))
		for i, row := range all {
			history[i] = Turn{Role: row.role}
		}
		trimmed, ok := retractTail(history)
		if !ok {
			return nil
		}
		cutFrom := all[len(trimmed)].id
		if _, err := tx.Exec(ctx,
			`DELETE FROM turns WHERE session_id = $1 AND id >= $2`, id, cutFrom); err != nil {
			return fmt.Errorf("retract turns: %w", err)
		}
		removed = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return removed, nil
}

func (p *Postgres) Truncate(ctx context.Context, id string, max int) error {
	if max <= 0 {
		return nil
	}
	return p.withTx(ctx, func(tx pgx.Tx) error {
		return trimTurns(ctx, tx, id, max)
	})
}

func (p *Postgres) Touch(ctx context.Context, id string) error {
	_, err := p.pool.Exec(ctx,
		`UPDATE sessions SET last_accessed = $2 WHERE id = $1`, id, p.now())
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

func (p *Postgres) Delete(ctx context.Context, id string) error {
	if _, err := p.pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func (p *Postgres) Reap(ctx context.Context, now time.Time, idle time.Duration) (int, error) {
	tag, err := p.pool.Exec(ctx,
		`DELETE FROM sessions WHERE last_accessed < $1`, now.Add(-idle))
	if err != nil {
		return 0, fmt.Errorf("reap sessions: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

// trimTurns keeps only the newest max turns for a session.
func trimTurns(ctx context.Context, tx pgx.Tx, id string, max int) error {
	_, err := tx.Exec(ctx, `
		DELETE FROM turns WHERE session_id = $1 AND id NOT IN (
			SELECT id FROM turns WHERE session_id = $1 ORDER BY id DESC LIMIT $2
		)`, id, max)
	if err != nil {
		return fmt.Errorf("trim turns: %w", err)
	}
	return nil
}

type pgQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (p *Postgres) loadTurns(ctx context.Context, q pgQuerier, id string) ([]Turn, error) {
	rows, err := q.Query(ctx, `
		SELECT role, content, tool_name, tool_result
		FROM turns WHERE session_id = $1 ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("load turns: %w", err)
	}
	defer rows.Close()

	var history []Turn
	for rows.Next() {
		var (
			role, content, toolName string
			result                  []byte
		)
		if err := rows.Scan(&role, &content, &toolName, &result); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		turn := Turn{Role: Role(role), Text: content, ToolName: toolName}
		if len(result) > 0 {
			if err := json.Unmarshal(result, &turn.ToolResult); err != nil {
				return nil, fmt.Errorf("decode tool result: %w", err)
			}
		}
		history = append(history, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load turns: %w", err)
	}
	return history, nil
}

func (p *Postgres) withTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
