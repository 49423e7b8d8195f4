package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database holding document metadata and extracted
// content chunks.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending
// migrations. Pass ":memory:" as dataDir for an in-memory database (used by
// tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "docflow.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying database handle for health probes.
func (s *Store) DB() *sql.DB {
	return s.db
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// --- Documents ---

const documentColumns = `id, original_name, storage_key, size_bytes, content_type, status,
	content_block_count, markdown_length, error, collection, created_at, updated_at`

// SaveDocument inserts a new document record.
func (s *Store) SaveDocument(d Document) error {
	status := d.Status
	if status == "" {
		status = DocUploaded
	}
	now := time.Now().UTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	if d.UpdatedAt.IsZero() {
		d.UpdatedAt = now
	}
	_, err := s.db.Exec(`
		INSERT INTO documents (`+documentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.OriginalName, d.StorageKey, d.SizeBytes, d.ContentType, status,
		d.ContentBlockCount, d.MarkdownLength, d.Error, d.Collection,
		d.CreatedAt.Format(time.RFC3339), d.UpdatedAt.Format(time.RFC3339),
	)
	return err
}

// GetDocument returns the document with the given ID, or ErrNotFound.
func (s *Store) GetDocument(id string) (Document, error) {
	row := s.db.QueryRow(`SELECT `+documentColumns+` FROM documents WHERE id = ?`, id)
	return scanDocument(row)
}

// ListDocuments returns documents newest first. status narrows the result
// when non-empty. offset beyond the end yields an empty slice.
func (s *Store) ListDocuments(status DocumentStatus, limit, offset int) ([]Document, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	query := `SELECT ` + documentColumns + ` FROM documents`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// CountDocuments returns the total number of documents, optionally filtered
// by status.
func (s *Store) CountDocuments(status DocumentStatus) (int, error) {
	query := `SELECT COUNT(*) FROM documents`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	var n int
	err := s.db.QueryRow(query, args...).Scan(&n)
	return n, err
}

// TransitionDocument moves a document from one of the expected statuses to
// next, atomically. Returns ErrConflict if the document is in none of the
// expected states, ErrNotFound if it does not exist. Only the stage runner
// owning the active stage may call this for its transitions.
func (s *Store) TransitionDocument(id string, from []DocumentStatus, to DocumentStatus) error {
	if len(from) == 0 {
		return fmt.Errorf("transition to %s: no expected statuses given", to)
	}
	placeholders := strings.Repeat(",?", len(from)-1)
	args := []any{string(to), time.Now().UTC().Format(time.RFC3339), id}
	for _, f := range from {
		args = append(args, string(f))
	}

	res, err := s.db.Exec(
		`UPDATE documents SET status = ?, error = '', updated_at = ? WHERE id = ? AND status IN (?`+placeholders+`)`,
		args...,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, getErr := s.GetDocument(id); getErr != nil {
			return getErr
		}
		return ErrConflict
	}
	return nil
}

// MarkDocumentFailed moves a document to failed and records the cause.
// Valid from any non-terminal state; a document already deleted returns
// ErrNotFound.
func (s *Store) MarkDocumentFailed(id, cause string) error {
	res, err := s.db.Exec(
		`UPDATE documents SET status = ?, error = ?, updated_at = ? WHERE id = ?`,
		string(DocFailed), cause, time.Now().UTC().Format(time.RFC3339), id,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetParseOutput records parse results and moves the document to parsed.
// The document must currently be parsing.
func (s *Store) SetParseOutput(id string, blockCount, markdownLength int) error {
	res, err := s.db.Exec(`
		UPDATE documents SET status = ?, content_block_count = ?, markdown_length = ?, error = '', updated_at = ?
		WHERE id = ? AND status = ?`,
		string(DocParsed), blockCount, markdownLength,
		time.Now().UTC().Format(time.RFC3339), id, string(DocParsing),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, getErr := s.GetDocument(id); getErr != nil {
			return getErr
		}
		return ErrConflict
	}
	return nil
}

// SetDocumentCollection records which vector collection holds the document's
// points, so a later delete can cascade to the right place.
func (s *Store) SetDocumentCollection(id, collection string) error {
	res, err := s.db.Exec(
		`UPDATE documents SET collection = ?, updated_at = ? WHERE id = ?`,
		collection, time.Now().UTC().Format(time.RFC3339), id,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteDocument removes the document and its chunks. Returns ErrNotFound
// for unknown IDs.
func (s *Store) DeleteDocument(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM chunks WHERE document_id = ?`, id); err != nil {
		return err
	}
	res, err := tx.Exec(`DELETE FROM documents WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

func scanDocument(row interface{ Scan(...any) error }) (Document, error) {
	var d Document
	var createdAt, updatedAt string
	err := row.Scan(
		&d.ID, &d.OriginalName, &d.StorageKey, &d.SizeBytes, &d.ContentType,
		(*string)(&d.Status), &d.ContentBlockCount, &d.MarkdownLength, &d.Error,
		&d.Collection, &createdAt, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, err
	}
	if d.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return Document{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if d.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return Document{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return d, nil
}

// --- Chunks ---

// ReplaceChunks swaps the document's extracted content in one transaction.
// A re-parse therefore never leaves stale chunks behind.
func (s *Store) ReplaceChunks(documentID string, chunks []Chunk) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM chunks WHERE document_id = ?`, documentID); err != nil {
		return err
	}
	for _, c := range chunks {
		kind := c.Kind
		if kind == "" {
			kind = "text"
		}
		if _, err := tx.Exec(
			`INSERT INTO chunks (document_id, chunk_index, kind, text) VALUES (?, ?, ?, ?)`,
			documentID, c.Index, kind, c.Text,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetChunks returns the document's chunks ordered by index.
func (s *Store) GetChunks(documentID string) ([]Chunk, error) {
	rows, err := s.db.Query(
		`SELECT document_id, chunk_index, kind, text FROM chunks WHERE document_id = ? ORDER BY chunk_index ASC`,
		documentID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks []Chunk
	for rows.Next() {
		var c Chunk
		if err := rows.Scan(&c.DocumentID, &c.Index, &c.Kind, &c.Text); err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// searchCandidateLimit caps how many rows a text search pulls from SQLite
// before in-process scoring.
const searchCandidateLimit = 500

// SearchChunks performs term-overlap text search over extracted chunks.
// The score of a hit is the fraction of query terms present in the chunk.
// documentIDs, when non-empty, restricts the search to those documents.
func (s *Store) SearchChunks(ctx context.Context, query string, limit int, documentIDs []string) ([]ChunkHit, error) {
	terms := searchTerms(query)
	if len(terms) == 0 || limit <= 0 {
		return nil, nil
	}

	var sb strings.Builder
	sb.WriteString(`SELECT document_id, chunk_index, kind, text FROM chunks WHERE (`)
	args := []any{}
	for i, term := range terms {
		if i > 0 {
			sb.WriteString(" OR ")
		}
		sb.WriteString("instr(lower(text), ?) > 0")
		args = append(args, term)
	}
	sb.WriteString(")")
	if len(documentIDs) > 0 {
		sb.WriteString(` AND document_id IN (?` + strings.Repeat(",?", len(documentIDs)-1) + `)`)
		for _, id := range documentIDs {
			args = append(args, id)
		}
	}
	sb.WriteString(` LIMIT ?`)
	args = append(args, searchCandidateLimit)

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []ChunkHit
	for rows.Next() {
		var c Chunk
		if err := rows.Scan(&c.DocumentID, &c.Index, &c.Kind, &c.Text); err != nil {
			return nil, err
		}
		hits = append(hits, ChunkHit{Chunk: c, Score: overlapScore(c.Text, terms)})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		if hits[i].DocumentID != hits[j].DocumentID {
			return hits[i].DocumentID < hits[j].DocumentID
		}
		return hits[i].Index < hits[j].Index
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func searchTerms(query string) []string {
	fields := strings.Fields(strings.ToLower(query))
	seen := make(map[string]bool, len(fields))
	var terms []string
	for _, f := range fields {
		f = strings.Trim(f, `.,;:!?"'()[]{}`)
		if f == "" || seen[f] {
			continue
		}
		seen[f] = true
		terms = append(terms, f)
	}
	return terms
}

func overlapScore(text string, terms []string) float64 {
	lower := strings.ToLower(text)
	matched := 0
	for _, term := range terms {
		if strings.Contains(lower, term) {
			matched++
		}
	}
	return float64(matched) / float64(len(terms))
}
