// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/pierrec/lz4/v4"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/aide/lib/codec"
	"github.com/bureau-foundation/aide/lib/llm"
	"github.com/bureau-foundation/aide/lib/sqlitepool"
)

// ErrSessionNotFound is returned when no session matches the given id
// or channel.
var ErrSessionNotFound = errors.New("session: not found")

// compressThreshold is the payload size in bytes above which a turn
// is lz4-compressed before storage. Small turns (most of them) are
// stored raw: the block header would eat the savings and the append
// path stays cheap.
const compressThreshold = 512

// compression tags stored in the compression column.
const (
	compressionNone = 0
	compressionLZ4  = 1
)

// sessionsSchema creates the sessions and turns tables. Turn payloads
// are CBOR; the summary and superseded flags live in columns because
// the live-context query orders and filters on them, and compaction
// marks must never rewrite payloads.
const sessionsSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id             TEXT PRIMARY KEY,
	channel        TEXT NOT NULL UNIQUE,
	model          TEXT NOT NULL DEFAULT '',
	token_estimate INTEGER NOT NULL DEFAULT 0,
	created_at     INTEGER NOT NULL,
	updated_at     INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS turns (
	session_id  TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	seq         INTEGER NOT NULL,
	summary     INTEGER NOT NULL DEFAULT 0,
	superseded  INTEGER NOT NULL DEFAULT 0,
	compression INTEGER NOT NULL,
	size        INTEGER NOT NULL,
	payload     BLOB NOT NULL,
	PRIMARY KEY (session_id, seq)
);
CREATE INDEX IF NOT EXISTS idx_turns_live ON turns(session_id, superseded, seq);
`

// turnRecord is the CBOR payload of one turn. The summary and
// superseded flags are not here: queries need them, so they live in
// columns.
type turnRecord struct {
	Role      string        `cbor:"role"`
	Blocks    []blockRecord `cbor:"blocks"`
	Scheduled bool          `cbor:"scheduled,omitempty"`
	CreatedAt int64         `cbor:"created_at"`
}

// blockRecord is one content block in storage form. Type selects
// which fields are meaningful, mirroring llm.ContentBlock.
type blockRecord struct {
	Type string `cbor:"type"`

	Text string `cbor:"text,omitempty"`

	MediaType string `cbor:"media_type,omitempty"`
	Data      string `cbor:"data,omitempty"`

	ID    string `cbor:"id,omitempty"`
	Name  string `cbor:"name,omitempty"`
	Input []byte `cbor:"input,omitempty"`

	ToolUseID string `cbor:"tool_use_id,omitempty"`
	Content   string `cbor:"content,omitempty"`
	IsError   bool   `cbor:"is_error,omitempty"`

	Signature string `cbor:"signature,omitempty"`
}

func encodeBlocks(blocks []llm.ContentBlock) []blockRecord {
	records := make([]blockRecord, len(blocks))
	for i, block := range blocks {
		record := blockRecord{Type: string(block.Type)}
		switch block.Type {
		case llm.ContentText:
			record.Text = block.Text
		case llm.ContentImage:
			if block.Image != nil {
				record.MediaType = block.Image.MediaType
				record.Data = block.Image.Data
			}
		case llm.ContentToolUse:
			if block.ToolUse != nil {
				record.ID = block.ToolUse.ID
				record.Name = block.ToolUse.Name
				record.Input = []byte(block.ToolUse.Input)
			}
		case llm.ContentToolResult:
			if block.ToolResult != nil {
				record.ToolUseID = block.ToolResult.ToolUseID
				record.Content = block.ToolResult.Content
				record.IsError = block.ToolResult.IsError
			}
		case llm.ContentThinking:
			if block.Thinking != nil {
				record.Text = block.Thinking.Content
				record.Signature = block.Thinking.Signature
			}
		}
		records[i] = record
	}
	return records
}

func decodeBlocks(records []blockRecord) []llm.ContentBlock {
	blocks := make([]llm.ContentBlock, len(records))
	for i, record := range records {
		block := llm.ContentBlock{Type: llm.ContentType(record.Type)}
		switch block.Type {
		case llm.ContentText:
			block.Text = record.Text
		case llm.ContentImage:
			block.Image = &llm.Image{MediaType: record.MediaType, Data: record.Data}
		case llm.ContentToolUse:
			block.ToolUse = &llm.ToolUse{ID: record.ID, Name: record.Name, Input: record.Input}
		case llm.ContentToolResult:
			block.ToolResult = &llm.ToolResult{
				ToolUseID: record.ToolUseID,
				Content:   record.Content,
				IsError:   record.IsError,
			}
		case llm.ContentThinking:
			block.Thinking = &llm.Thinking{Content: record.Text, Signature: record.Signature}
		}
		blocks[i] = block
	}
	return blocks
}

// Store persists sessions and their turn logs in SQLite. Mutations
// are single transactions: a turn is either durably appended or
// absent, and a compaction's summary-plus-marks lands atomically.
// Safe for concurrent use.
type Store struct {
	pool   *sqlitepool.Pool
	logger *slog.Logger
}

// NewStore ensures the session schema exists on the shared pool and
// returns the store.
func NewStore(ctx context.Context, pool *sqlitepool.Pool, logger *slog.Logger) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("session store: pool is required")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	conn, err := pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("session store: %w", err)
	}
	defer pool.Put(conn)

	if err := sqlitex.ExecuteScript(conn, sessionsSchema, nil); err != nil {
		return nil, fmt.Errorf("session store: creating schema: %w", err)
	}

	return &Store{pool: pool, logger: logger}, nil
}

// Ensure returns the session for a channel, creating it if this is
// the channel's first message. Concurrent Ensure calls for the same
// channel converge on one row.
func (s *Store) Ensure(ctx context.Context, channel string, now time.Time) (*Session, error) {
	if channel == "" {
		return nil, fmt.Errorf("session store: channel is required")
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("session store: ensure: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return nil, fmt.Errorf("session store: ensure: %w", err)
	}
	defer endTransaction(&err)

	existing, err := selectSession(conn, `SELECT id, channel, model, token_estimate, created_at, updated_at
		FROM sessions WHERE channel = ?`, channel)
	if err != nil {
		return nil, fmt.Errorf("session store: ensure: %w", err)
	}
	if existing != nil {
		return existing, nil
	}

	id, err := newSessionID()
	if err != nil {
		return nil, fmt.Errorf("session store: generating session id: %w", err)
	}
	err = sqlitex.Execute(conn,
		`INSERT INTO sessions (id, channel, model, token_estimate, created_at, updated_at)
		 VALUES (?, ?, '', 0, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{id, channel, now.UnixNano(), now.UnixNano()},
		})
	if err != nil {
		return nil, fmt.Errorf("session store: ensure: %w", err)
	}

	s.logger.Info("session created", "session", shortID(id), "channel", channel)
	return &Session{ID: id, Channel: channel, CreatedAt: now, UpdatedAt: now}, nil
}

// Get returns the session with the exact id.
func (s *Store) Get(ctx context.Context, id string) (*Session, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("session store: get: %w", err)
	}
	defer s.pool.Put(conn)

	found, err := selectSession(conn, `SELECT id, channel, model, token_estimate, created_at, updated_at
		FROM sessions WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("session store: get: %w", err)
	}
	if found == nil {
		return nil, ErrSessionNotFound
	}
	return found, nil
}

// SetModel updates the session's current model selection.
func (s *Store) SetModel(ctx context.Context, id, model string) error {
	return s.updateSession(ctx, `UPDATE sessions SET model = ? WHERE id = ?`, model, id)
}

// AddUsage adds tokens to the session's cumulative estimate.
func (s *Store) AddUsage(ctx context.Context, id string, tokens int64) error {
	return s.updateSession(ctx,
		`UPDATE sessions SET token_estimate = token_estimate + ? WHERE id = ?`, tokens, id)
}

func (s *Store) updateSession(ctx context.Context, query string, args ...any) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("session store: update: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{Args: args})
	if err != nil {
		return fmt.Errorf("session store: update: %w", err)
	}
	if conn.Changes() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// Append durably appends a turn and returns it with its assigned
// sequence number. The sequence is allocated inside the transaction,
// so concurrent appends to one session never collide or leave gaps
// out of order.
func (s *Store) Append(ctx context.Context, sessionID string, turn Turn) (Turn, error) {
	payload, err := codec.Marshal(turnRecord{
		Role:      string(turn.Message.Role),
		Blocks:    encodeBlocks(turn.Message.Content),
		Scheduled: turn.Scheduled,
		CreatedAt: turn.CreatedAt.UnixNano(),
	})
	if err != nil {
		return Turn{}, fmt.Errorf("session store: encode turn: %w", err)
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return Turn{}, fmt.Errorf("session store: append: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return Turn{}, fmt.Errorf("session store: append: %w", err)
	}
	defer endTransaction(&err)

	seq, err := s.appendInTransaction(conn, sessionID, payload, turn.Summary, turn.CreatedAt)
	if err != nil {
		return Turn{}, err
	}
	turn.Seq = seq
	return turn, nil
}

// appendInTransaction inserts one encoded turn under an open
// transaction and returns its sequence number. The session row is
// touched first so a missing session surfaces as ErrSessionNotFound
// rather than a foreign key violation.
func (s *Store) appendInTransaction(conn *sqlite.Conn, sessionID string, payload []byte, summary bool, createdAt time.Time) (int64, error) {
	err := sqlitex.Execute(conn,
		`UPDATE sessions SET updated_at = ? WHERE id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{createdAt.UnixNano(), sessionID},
		})
	if err != nil {
		return 0, fmt.Errorf("session store: touch session: %w", err)
	}
	if conn.Changes() == 0 {
		return 0, ErrSessionNotFound
	}

	var seq int64
	err = sqlitex.Execute(conn,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM turns WHERE session_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{sessionID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				seq = stmt.ColumnInt64(0)
				return nil
			},
		})
	if err != nil {
		return 0, fmt.Errorf("session store: next seq: %w", err)
	}

	body := payload
	compression := compressionNone
	if len(payload) > compressThreshold {
		if compressed, ok := compressLZ4(payload); ok {
			body = compressed
			compression = compressionLZ4
		}
	}

	err = sqlitex.Execute(conn,
		`INSERT INTO turns (session_id, seq, summary, superseded, compression, size, payload)
		 VALUES (?, ?, ?, 0, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{sessionID, seq, summary, compression, len(payload), body},
		})
	if err != nil {
		return 0, fmt.Errorf("session store: insert turn: %w", err)
	}
	return seq, nil
}

// RecordCompaction atomically appends the summary turn and marks the
// given sequence numbers superseded. This is the durable mirror of an
// in-memory compaction: after it commits, Live returns
// [summary + recent suffix] while Turns still returns everything.
func (s *Store) RecordCompaction(ctx context.Context, sessionID string, superseded []int64, summary Turn) (Turn, error) {
	payload, err := codec.Marshal(turnRecord{
		Role:      string(summary.Message.Role),
		Blocks:    encodeBlocks(summary.Message.Content),
		CreatedAt: summary.CreatedAt.UnixNano(),
	})
	if err != nil {
		return Turn{}, fmt.Errorf("session store: encode summary: %w", err)
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return Turn{}, fmt.Errorf("session store: record compaction: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return Turn{}, fmt.Errorf("session store: record compaction: %w", err)
	}
	defer endTransaction(&err)

	for _, seq := range superseded {
		err = sqlitex.Execute(conn,
			`UPDATE turns SET superseded = 1 WHERE session_id = ? AND seq = ?`,
			&sqlitex.ExecOptions{Args: []any{sessionID, seq}})
		if err != nil {
			return Turn{}, fmt.Errorf("session store: mark superseded: %w", err)
		}
	}

	seq, err := s.appendInTransaction(conn, sessionID, payload, true, summary.CreatedAt)
	if err != nil {
		return Turn{}, err
	}

	s.logger.Info("compaction recorded",
		"session", shortID(sessionID),
		"superseded", len(superseded),
		"summary_seq", seq,
	)
	summary.Seq = seq
	summary.Summary = true
	return summary, nil
}

// Turns returns the full turn log in sequence order, superseded rows
// included. This is the audit view.
func (s *Store) Turns(ctx context.Context, sessionID string) ([]Turn, error) {
	return s.selectTurns(ctx, sessionID,
		`SELECT seq, summary, superseded, compression, size, payload FROM turns
		 WHERE session_id = ? ORDER BY seq`)
}

// Live returns the turns that participate in outbound requests, in
// prompt order: the compaction summary (if any) first, then everything
// not superseded by sequence. A summary is appended after the turns it
// replaces, so plain sequence order would put it last; prompt order
// needs it in front. At most one summary is ever live, since each
// compaction supersedes its predecessor.
func (s *Store) Live(ctx context.Context, sessionID string) ([]Turn, error) {
	return s.selectTurns(ctx, sessionID,
		`SELECT seq, summary, superseded, compression, size, payload FROM turns
		 WHERE session_id = ? AND superseded = 0 ORDER BY summary DESC, seq`)
}

func (s *Store) selectTurns(ctx context.Context, sessionID, query string) ([]Turn, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("session store: turns: %w", err)
	}
	defer s.pool.Put(conn)

	var turns []Turn
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: []any{sessionID},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			turn, err := scanTurn(stmt)
			if err != nil {
				return err
			}
			turns = append(turns, turn)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("session store: turns: %w", err)
	}
	return turns, nil
}

// scanTurn decodes one row: seq(0), summary(1), superseded(2),
// compression(3), size(4), payload(5).
func scanTurn(stmt *sqlite.Stmt) (Turn, error) {
	body := make([]byte, stmt.ColumnLen(5))
	stmt.ColumnBytes(5, body)

	payload, err := decompressPayload(body, int(stmt.ColumnInt64(3)), int(stmt.ColumnInt64(4)))
	if err != nil {
		return Turn{}, fmt.Errorf("turn %d: %w", stmt.ColumnInt64(0), err)
	}

	var record turnRecord
	if err := codec.Unmarshal(payload, &record); err != nil {
		return Turn{}, fmt.Errorf("turn %d: decode payload: %w", stmt.ColumnInt64(0), err)
	}

	return Turn{
		Seq: stmt.ColumnInt64(0),
		Message: llm.Message{
			Role:    llm.Role(record.Role),
			Content: decodeBlocks(record.Blocks),
		},
		Summary:    stmt.ColumnInt64(1) != 0,
		Scheduled:  record.Scheduled,
		Superseded: stmt.ColumnInt64(2) != 0,
		CreatedAt:  time.Unix(0, record.CreatedAt),
	}, nil
}

// compressLZ4 block-compresses payload. ok is false when the result
// would not be smaller (incompressible payloads are stored raw).
func compressLZ4(payload []byte) ([]byte, bool) {
	destination := make([]byte, lz4.CompressBlockBound(len(payload)))
	written, err := lz4.CompressBlock(payload, destination, nil)
	if err != nil || written == 0 || written >= len(payload) {
		return nil, false
	}
	return destination[:written], true
}

func decompressPayload(body []byte, compression, size int) ([]byte, error) {
	switch compression {
	case compressionNone:
		if len(body) != size {
			return nil, fmt.Errorf("uncompressed payload is %d bytes, expected %d", len(body), size)
		}
		return body, nil
	case compressionLZ4:
		payload := make([]byte, size)
		read, err := lz4.UncompressBlock(body, payload)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if read != size {
			return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", read, size)
		}
		return payload, nil
	}
	return nil, fmt.Errorf("unknown compression tag %d", compression)
}

func selectSession(conn *sqlite.Conn, query string, arg any) (*Session, error) {
	var found *Session
	err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: []any{arg},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			found = &Session{
				ID:            stmt.ColumnText(0),
				Channel:       stmt.ColumnText(1),
				Model:         stmt.ColumnText(2),
				TokenEstimate: stmt.ColumnInt64(3),
				CreatedAt:     time.Unix(0, stmt.ColumnInt64(4)),
				UpdatedAt:     time.Unix(0, stmt.ColumnInt64(5)),
			}
			return nil
		},
	})
	return found, err
}

func newSessionID() (string, error) {
	var buffer [16]byte
	if _, err := rand.Read(buffer[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(buffer[:]), nil
}

// shortID returns the display form of a session id: the first 8
// characters.
func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
