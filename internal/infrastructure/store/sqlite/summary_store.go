// Package sqlite implements the SummaryStore port on an embedded
// sqlite database. One row per (agent, conversation) key; values are
// the version-prefixed binary summary records.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	_ "modernc.org/sqlite"

	"github.com/metacogna-lab/sentinel-orchestrator/internal/core/domain"
	"github.com/metacogna-lab/sentinel-orchestrator/internal/core/ports"
)

// SummaryStore persists conversation summaries across restarts.
// Single-key writes are one transactional upsert (INSERT ... ON
// CONFLICT DO UPDATE), which gives the atomicity the consolidator
// relies on.
type SummaryStore struct {
	db *sql.DB
}

// Open creates or opens the database at path, running migrations.
func Open(path string) (*SummaryStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	s := &SummaryStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	return s, nil
}

func (s *SummaryStore) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS summaries (
		k          TEXT PRIMARY KEY,
		v          BLOB NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_summaries_created ON summaries(created_at);
	`)
	return err
}

func (s *SummaryStore) Close() error {
	return s.db.Close()
}

// storageKey builds the persisted key layout:
// summary/<agent-id>/<conversation-id>.
func storageKey(agent domain.AgentID, conversationID string) string {
	return fmt.Sprintf("summary/%s/%s", agent, conversationID)
}

func agentPrefix(agent domain.AgentID) string {
	return fmt.Sprintf("summary/%s/", agent)
}

// Put writes one summary. A repeated put for the same key replaces the
// record atomically.
func (s *SummaryStore) Put(ctx context.Context, summary domain.ConversationSummary) error {
	if err := summary.Validate(); err != nil {
		return err
	}
	record := encodeSummary(summary)
	_, err := s.db.ExecContext(ctx, `
INSERT INTO summaries (k, v, created_at) VALUES (?, ?, ?)
ON CONFLICT(k) DO UPDATE SET v = excluded.v
`, storageKey(summary.AgentID, summary.ConversationID), record, summary.CreatedAt.UTC().UnixNano())
	if err != nil {
		return domain.WrapError(domain.ErrInternal, "put summary", err)
	}
	return nil
}

func (s *SummaryStore) Get(ctx context.Context, agent domain.AgentID, conversationID string) (domain.ConversationSummary, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT v FROM summaries WHERE k = ?`, storageKey(agent, conversationID))

	var record []byte
	if err := row.Scan(&record); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ConversationSummary{}, domain.ErrNotFound
		}
		return domain.ConversationSummary{}, domain.WrapError(domain.ErrInternal, "get summary", err)
	}
	return decodeSummary(record)
}

// List returns up to limit summaries for one agent in creation order.
func (s *SummaryStore) List(ctx context.Context, agent domain.AgentID, limit int) ([]domain.ConversationSummary, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT v FROM summaries WHERE k LIKE ? ESCAPE '\' ORDER BY created_at, k LIMIT ?
`, likePrefix(agentPrefix(agent)), limit)
	if err != nil {
		return nil, domain.WrapError(domain.ErrInternal, "list summaries", err)
	}
	defer rows.Close()

	var out []domain.ConversationSummary
	for rows.Next() {
		var record []byte
		if err := rows.Scan(&record); err != nil {
			return nil, domain.WrapError(domain.ErrInternal, "scan summary", err)
		}
		summary, err := decodeSummary(record)
		if err != nil {
			// A corrupt record must not hide the rest of the tier.
			continue
		}
		out = append(out, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.WrapError(domain.ErrInternal, "iterate summaries", err)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// Delete removes a summary; deleting a missing key is a no-op.
func (s *SummaryStore) Delete(ctx context.Context, agent domain.AgentID, conversationID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM summaries WHERE k = ?`, storageKey(agent, conversationID))
	if err != nil {
		return domain.WrapError(domain.ErrInternal, "delete summary", err)
	}
	return nil
}

// likePrefix escapes LIKE wildcards in the prefix before appending %.
func likePrefix(prefix string) string {
	escaped := make([]byte, 0, len(prefix)+2)
	for i := 0; i < len(prefix); i++ {
		c := prefix[i]
		if c == '%' || c == '_' || c == '\\' {
			escaped = append(escaped, '\\')
		}
		escaped = append(escaped, c)
	}
	return string(escaped) + "%"
}

var _ ports.SummaryStore = (*SummaryStore)(nil)
