// Package storage persists the publication backlog in a local sqlite file
// so publications enqueued while offline survive a process restart. The
// in-memory queue stays authoritative: journal writes are best effort and
// only the initial load is synchronous.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
	_ "modernc.org/sqlite"

	"coatywamp/internal/queue"
)

const backlogSchema = `
CREATE TABLE IF NOT EXISTS backlog (
	seq         INTEGER PRIMARY KEY,
	topic       TEXT    NOT NULL,
	keyed       INTEGER NOT NULL,
	payload     BLOB,
	retain      INTEGER NOT NULL,
	acknowledge INTEGER NOT NULL,
	queued_at   TEXT    NOT NULL
);`

// Backlog is a sqlite-backed queue.Journal.
type Backlog struct {
	db  *sql.DB
	log zerolog.Logger
}

var _ queue.Journal = (*Backlog)(nil)

// OpenBacklog opens or creates the journal database at path.
func OpenBacklog(ctx context.Context, path string, log zerolog.Logger) (*Backlog, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open backlog db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping backlog db: %w", err)
	}
	if _, err := db.ExecContext(ctx, backlogSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create backlog schema: %w", err)
	}
	return &Backlog{db: db, log: log.With().Str("component", "backlog").Logger()}, nil
}

func (b *Backlog) Close() error {
	return b.db.Close()
}

// Load returns all journaled items in enqueue order.
func (b *Backlog) Load(ctx context.Context) ([]queue.Item, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT topic, keyed, payload, retain, acknowledge
		FROM backlog ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("load backlog: %w", err)
	}
	defer rows.Close()

	var items []queue.Item
	for rows.Next() {
		var (
			it      queue.Item
			payload []byte
		)
		if err := rows.Scan(&it.Topic, &it.Keyed, &payload, &it.Retain, &it.Acknowledge); err != nil {
			return nil, fmt.Errorf("scan backlog row: %w", err)
		}
		if it.Keyed {
			if err := msgpack.Unmarshal(payload, &it.Fields); err != nil {
				b.log.Warn().Err(err).Str("topic", it.Topic).Msg("dropping undecodable backlog item")
				continue
			}
		} else {
			it.Data = payload
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

func (b *Backlog) Append(seq uint64, it queue.Item) error {
	payload := it.Data
	if it.Keyed {
		var err error
		if payload, err = msgpack.Marshal(it.Fields); err != nil {
			return fmt.Errorf("encode backlog payload: %w", err)
		}
	}
	_, err := b.db.Exec(`
		INSERT OR REPLACE INTO backlog (seq, topic, keyed, payload, retain, acknowledge, queued_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		int64(seq), it.Topic, it.Keyed, payload, it.Retain, it.Acknowledge,
		time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("append backlog item: %w", err)
	}
	return nil
}

func (b *Backlog) Remove(seq uint64) error {
	if _, err := b.db.Exec(`DELETE FROM backlog WHERE seq = ?`, int64(seq)); err != nil {
		return fmt.Errorf("remove backlog item: %w", err)
	}
	return nil
}

func (b *Backlog) Clear() error {
	if _, err := b.db.Exec(`DELETE FROM backlog`); err != nil {
		return fmt.Errorf("clear backlog: %w", err)
	}
	return nil
}
