// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package transcript stores debate transcripts as content-addressed
// documents. The identity of a document is the BLAKE3 keyed hash of
// its uncompressed markdown, so storing the same transcript twice is
// a no-op and a ref always names exactly one body. Documents are
// zstd-compressed when that makes them smaller; markdown almost
// always compresses well, but the tag byte keeps the format honest
// for bodies that do not.
package transcript

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/aide/lib/sqlitepool"
)

// ErrNotFound is returned when no document matches the given ref.
var ErrNotFound = errors.New("transcript: not found")

// docDomainKey is the BLAKE3 keyed-hash domain for transcript
// documents. The bytes are the ASCII domain name zero-padded to 32,
// readable in hex dumps without weakening the keyed mode. Changing
// the key invalidates every stored document id.
var docDomainKey = [32]byte{
	'a', 'i', 'd', 'e', '.', 't', 'r', 'a', 'n', 's', 'c', 'r', 'i', 'p', 't', '.',
	'd', 'o', 'c', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// refPrefix precedes the short hex form in user-facing refs.
const refPrefix = "deb-"

// refHexLen is the number of hash hex characters in a short ref.
const refHexLen = 12

// compression tags stored in the compression column.
const (
	compressionNone = 0
	compressionZstd = 1
)

// zstdEncoder and zstdDecoder are shared across calls; both are safe
// for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("transcript: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("transcript: zstd decoder initialization failed: " + err.Error())
	}
}

// transcriptsSchema creates the transcripts table. id is the full
// document hash; ref is its short display form, kept in a column so
// lookups by ref are indexed.
const transcriptsSchema = `
CREATE TABLE IF NOT EXISTS transcripts (
	id          TEXT PRIMARY KEY,
	ref         TEXT NOT NULL,
	topic       TEXT NOT NULL,
	slug        TEXT NOT NULL,
	created_at  INTEGER NOT NULL,
	compression INTEGER NOT NULL,
	size        INTEGER NOT NULL,
	body        BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transcripts_ref ON transcripts(ref);
CREATE INDEX IF NOT EXISTS idx_transcripts_slug ON transcripts(slug, created_at);
`

// Info describes a stored document without its body.
type Info struct {
	Ref       string
	Topic     string
	Slug      string
	CreatedAt time.Time

	// Size is the uncompressed document length in bytes.
	Size int
}

// Store persists transcripts in SQLite. Safe for concurrent use.
type Store struct {
	pool   *sqlitepool.Pool
	logger *slog.Logger
}

// NewStore ensures the transcripts schema exists on the shared pool
// and returns the store.
func NewStore(ctx context.Context, pool *sqlitepool.Pool, logger *slog.Logger) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("transcript store: pool is required")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	conn, err := pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("transcript store: %w", err)
	}
	defer pool.Put(conn)

	if err := sqlitex.ExecuteScript(conn, transcriptsSchema, nil); err != nil {
		return nil, fmt.Errorf("transcript store: creating schema: %w", err)
	}

	return &Store{pool: pool, logger: logger}, nil
}

// Put stores a document and returns its ref. The id is derived from
// the markdown content, so storing identical content again returns
// the same ref without writing a second row.
func (s *Store) Put(ctx context.Context, topic, markdown string, createdAt time.Time) (string, error) {
	if strings.TrimSpace(markdown) == "" {
		return "", fmt.Errorf("transcript store: empty document")
	}

	raw := []byte(markdown)
	id := hashDocument(raw)
	ref := refPrefix + id[:refHexLen]

	body := raw
	compression := compressionNone
	if compressed := zstdEncoder.EncodeAll(raw, nil); len(compressed) < len(raw) {
		body = compressed
		compression = compressionZstd
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return "", fmt.Errorf("transcript store: put: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`INSERT OR IGNORE INTO transcripts (id, ref, topic, slug, created_at, compression, size, body)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{
				id,
				ref,
				topic,
				Slugify(topic),
				createdAt.UnixNano(),
				compression,
				len(raw),
				body,
			},
		})
	if err != nil {
		return "", fmt.Errorf("transcript store: put: %w", err)
	}

	s.logger.Info("transcript stored",
		"ref", ref,
		"topic", topic,
		"size", len(raw),
		"stored_size", len(body),
	)
	return ref, nil
}

// Get returns the document body for a ref. Accepts both the short
// "deb-" form and a full document id.
func (s *Store) Get(ctx context.Context, ref string) (string, error) {
	query := `SELECT body, compression, size FROM transcripts WHERE ref = ?`
	key := ref
	if !strings.HasPrefix(ref, refPrefix) {
		query = `SELECT body, compression, size FROM transcripts WHERE id = ?`
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return "", fmt.Errorf("transcript store: get: %w", err)
	}
	defer s.pool.Put(conn)

	var markdown string
	found := false
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: []any{key},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			body := make([]byte, stmt.ColumnLen(0))
			stmt.ColumnBytes(0, body)
			raw, err := decompressBody(body, int(stmt.ColumnInt64(1)), int(stmt.ColumnInt64(2)))
			if err != nil {
				return err
			}
			markdown = string(raw)
			found = true
			return nil
		},
	})
	if err != nil {
		return "", fmt.Errorf("transcript store: get %s: %w", ref, err)
	}
	if !found {
		return "", fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	return markdown, nil
}

// List returns document descriptions, newest first. A non-empty slug
// restricts the listing to transcripts of matching topics.
func (s *Store) List(ctx context.Context, slug string) ([]Info, error) {
	query := `SELECT ref, topic, slug, created_at, size FROM transcripts ORDER BY created_at DESC`
	var args []any
	if slug != "" {
		query = `SELECT ref, topic, slug, created_at, size FROM transcripts WHERE slug = ? ORDER BY created_at DESC`
		args = []any{slug}
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("transcript store: list: %w", err)
	}
	defer s.pool.Put(conn)

	var infos []Info
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			infos = append(infos, Info{
				Ref:       stmt.ColumnText(0),
				Topic:     stmt.ColumnText(1),
				Slug:      stmt.ColumnText(2),
				CreatedAt: time.Unix(0, stmt.ColumnInt64(3)),
				Size:      int(stmt.ColumnInt64(4)),
			})
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("transcript store: list: %w", err)
	}
	return infos, nil
}

// Remove deletes the document with the given ref.
func (s *Store) Remove(ctx context.Context, ref string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("transcript store: remove: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `DELETE FROM transcripts WHERE ref = ?`, &sqlitex.ExecOptions{
		Args: []any{ref},
	})
	if err != nil {
		return fmt.Errorf("transcript store: remove: %w", err)
	}
	if conn.Changes() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	return nil
}

// hashDocument computes the document-domain BLAKE3 keyed hash, hex
// encoded.
func hashDocument(data []byte) string {
	hasher, err := blake3.NewKeyed(docDomainKey[:])
	if err != nil {
		panic("transcript: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write(data)
	return hex.EncodeToString(hasher.Sum(nil))
}

// decompressBody reverses the storage compression. The uncompressed
// size is verified against the size column; a mismatch means a
// corrupt row.
func decompressBody(body []byte, compression, size int) ([]byte, error) {
	switch compression {
	case compressionNone:
		if len(body) != size {
			return nil, fmt.Errorf("uncompressed body is %d bytes, expected %d", len(body), size)
		}
		return body, nil
	case compressionZstd:
		raw, err := zstdDecoder.DecodeAll(body, make([]byte, 0, size))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if len(raw) != size {
			return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(raw), size)
		}
		return raw, nil
	}
	return nil, fmt.Errorf("unknown compression tag %d", compression)
}

// slugPattern collapses every non-alphanumeric run. Matches the slug
// form used in transcript filenames of the original assistant
// ("debate-<slug>-<timestamp>.md").
var slugPattern = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify renders a topic as a short filesystem- and URL-safe slug:
// lowercase alphanumerics with single dashes, at most 40 characters,
// "debate" when nothing survives.
func Slugify(topic string) string {
	slug := slugPattern.ReplaceAllString(strings.ToLower(strings.TrimSpace(topic)), "-")
	if len(slug) > 40 {
		slug = slug[:40]
	}
	slug = strings.Trim(slug, "-")
	if slug == "" {
		return "debate"
	}
	return slug
}
