package history

import (
	"database/sql"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/openshelf/openshelf/internal/logging"
	"github.com/openshelf/openshelf/internal/metadata"
)

var log = logging.GetLogger("history")

// Entry is one finished download attempt, successful or not.
type Entry struct {
	ID         string
	FinishedAt time.Time
	Book       *metadata.Book
	Source     string
	URL        string
	Outcome    string // complete, error or cancelled
	Reason     string
	Bytes      int64
	Duration   time.Duration
}

// Row is an Entry as stored, with the book fields flattened.
type Row struct {
	ID           string        `json:"id"`
	FinishedAtNs int64         `json:"finished_at_ns"`
	BookID       string        `json:"book_id"`
	Title        string        `json:"title"`
	Author       string        `json:"author"`
	Format       string        `json:"format"`
	Source       string        `json:"source"`
	URL          string        `json:"url"`
	Outcome      string        `json:"outcome"`
	Reason       string        `json:"reason"`
	Bytes        int64         `json:"bytes"`
	Duration     time.Duration `json:"duration_ns"`
}

// Filter narrows List results. Zero values mean no constraint.
type Filter struct {
	Outcome string
	Source  string
	BookID  string
	Before  int64 // finished_at_ns < Before
	After   int64 // finished_at_ns > After
	Limit   int
	Offset  int
}

// Repo owns the history database. Safe for concurrent use; the underlying
// handle is a single connection.
type Repo struct {
	db       *sql.DB
	path     string
	maxBytes int64
}

// Open opens (or creates) the history database at path and applies
// migrations. maxMB caps the on-disk size enforced during Prune.
func Open(path string, maxMB int) (*Repo, error) {
	if maxMB <= 0 {
		maxMB = 256
	}
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	if err := migrateDB(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Repo{db: db, path: path, maxBytes: int64(maxMB) * 1024 * 1024}, nil
}

// Close closes the database handle.
func (r *Repo) Close() error {
	return r.db.Close()
}

// Record inserts one finished attempt. A zero FinishedAt means now.
func (r *Repo) Record(e Entry) error {
	at := e.FinishedAt
	if at.IsZero() {
		at = time.Now()
	}
	var title, author, format, bookID string
	if e.Book != nil {
		bookID, title, author, format = e.Book.ID, e.Book.Title, e.Book.Author, e.Book.Format
	}
	_, err := r.db.Exec(`INSERT OR IGNORE INTO download_history (
		id, finished_at_ns, book_id, title, author, format,
		source, url, outcome, reason, bytes, duration_ns
	) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.ID, at.UnixNano(), bookID, title, author, format,
		e.Source, e.URL, e.Outcome, e.Reason, e.Bytes, e.Duration.Nanoseconds(),
	)
	if err != nil {
		return fmt.Errorf("history record %s: %w", e.ID, err)
	}
	return nil
}

// List returns matching rows ordered by finish time, newest first.
func (r *Repo) List(f Filter) ([]Row, error) {
	var where []string
	var args []interface{}

	if f.Outcome != "" {
		where = append(where, "outcome = ?")
		args = append(args, f.Outcome)
	}
	if f.Source != "" {
		where = append(where, "source = ?")
		args = append(args, f.Source)
	}
	if f.BookID != "" {
		where = append(where, "book_id = ?")
		args = append(args, f.BookID)
	}
	if f.Before > 0 {
		where = append(where, "finished_at_ns < ?")
		args = append(args, f.Before)
	}
	if f.After > 0 {
		where = append(where, "finished_at_ns > ?")
		args = append(args, f.After)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 10000 {
		limit = 10000
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	q := "SELECT id, finished_at_ns, book_id, title, author, format, source, url, outcome, reason, bytes, duration_ns FROM download_history"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY finished_at_ns DESC, id ASC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := r.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("history list: %w", err)
	}
	defer rows.Close()

	var results []Row
	for rows.Next() {
		var row Row
		var durNs int64
		if err := rows.Scan(
			&row.ID, &row.FinishedAtNs, &row.BookID, &row.Title, &row.Author,
			&row.Format, &row.Source, &row.URL, &row.Outcome, &row.Reason,
			&row.Bytes, &durNs,
		); err != nil {
			log.Warn().Err(err).Msg("skipping malformed history row")
			continue
		}
		row.Duration = time.Duration(durNs)
		results = append(results, row)
	}
	return results, rows.Err()
}

// Prune deletes rows older than the retention window, then enforces the
// size cap by dropping the oldest half of what remains until the database
// files fit. Meant to run from the scheduler; safe to call any time.
func (r *Repo) Prune(retainDays int) error {
	if retainDays > 0 {
		cutoff := time.Now().AddDate(0, 0, -retainDays).UnixNano()
		res, err := r.db.Exec("DELETE FROM download_history WHERE finished_at_ns < ?", cutoff)
		if err != nil {
			return fmt.Errorf("history prune: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			log.Info().Int64("rows", n).Int("retain_days", retainDays).Msg("pruned expired history")
		}
	}

	for i := 0; i < 8; i++ {
		size, err := sqliteFilesSize(r.path)
		if err != nil {
			log.Warn().Err(err).Msg("history size check failed")
			return nil
		}
		if size <= r.maxBytes {
			return nil
		}
		if err := r.dropOldestHalf(); err != nil {
			return err
		}
	}
	return nil
}

func (r *Repo) dropOldestHalf() error {
	var count int
	if err := r.db.QueryRow("SELECT COUNT(*) FROM download_history").Scan(&count); err != nil {
		return fmt.Errorf("history count: %w", err)
	}
	if count == 0 {
		return nil
	}
	res, err := r.db.Exec(`DELETE FROM download_history WHERE id IN (
		SELECT id FROM download_history ORDER BY finished_at_ns ASC LIMIT ?
	)`, (count+1)/2)
	if err != nil {
		return fmt.Errorf("history trim: %w", err)
	}
	n, _ := res.RowsAffected()
	log.Info().Int64("rows", n).Msg("trimmed history to enforce size cap")
	if _, err := r.db.Exec("VACUUM"); err != nil {
		return fmt.Errorf("history vacuum: %w", err)
	}
	return nil
}

// sqliteFilesSize totals the database file plus its -wal and -shm sidecars.
func sqliteFilesSize(basePath string) (int64, error) {
	paths := []string{basePath, basePath + "-wal", basePath + "-shm"}
	var total int64
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return 0, err
		}
		total += info.Size()
	}
	return total, nil
}
