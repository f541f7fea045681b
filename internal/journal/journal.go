// Package journal is the node's persistent event log. Entries are written by
// a background goroutine to a SQLite table capped at MaxEntries rows.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite" // register sqlite driver
)

const (
	DefaultMaxEntries = 5000
	defaultQueueSize  = 256

	timeLayout = "2006-01-02 15:04:05"
)

var ErrClosed = errors.New("journal closed")

type Options struct {
	// MaxEntries caps the table; the oldest rows are trimmed after each insert.
	// Defaults to 5000.
	MaxEntries int
	// QueueSize bounds the number of entries waiting for the writer.
	// Defaults to 256.
	QueueSize int
	// Logger receives write failures. Defaults to logrus.StandardLogger().
	Logger *logrus.Logger
}

type entry struct {
	at   time.Time
	text string
	sync chan struct{} // non-nil for flush markers
}

// Journal is safe for concurrent use. Record never blocks.
type Journal struct {
	db         *sql.DB
	log        *logrus.Entry
	maxEntries int

	queue chan entry
	quit  chan struct{}
	wg    sync.WaitGroup

	offset  atomic.Int64 // wall clock correction, ns
	dropped atomic.Uint64
	closed  atomic.Bool
	once    sync.Once

	now func() time.Time
}

// Open opens or creates the journal database at path and starts the writer.
func Open(ctx context.Context, path string, opts Options) (*Journal, error) {
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = DefaultMaxEntries
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// A single connection keeps ":memory:" databases shared across calls.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS entries (
		id   INTEGER PRIMARY KEY AUTOINCREMENT,
		at   INTEGER NOT NULL,
		text TEXT    NOT NULL
	);`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create entries table: %w", err)
	}

	j := &Journal{
		db:         db,
		log:        opts.Logger.WithField("component", "journal"),
		maxEntries: opts.MaxEntries,
		queue:      make(chan entry, opts.QueueSize),
		quit:       make(chan struct{}),
		now:        time.Now,
	}
	j.wg.Add(1)
	go j.run()
	return j, nil
}

// Record queues text with the current journal time. When the queue is full
// the entry is dropped and counted.
func (j *Journal) Record(text string) {
	if j.closed.Load() {
		return
	}
	select {
	case j.queue <- entry{at: j.Now(), text: text}:
	default:
		j.dropped.Add(1)
	}
}

// Dropped returns the number of entries lost to a full queue.
func (j *Journal) Dropped() uint64 {
	return j.dropped.Load()
}

// Now returns the wall clock corrected by SetDateTime.
func (j *Journal) Now() time.Time {
	return j.now().Add(time.Duration(j.offset.Load()))
}

// SetDateTime sets the journal clock from "YYYY MM DD hh mm ss". Extra
// trailing fields are ignored.
func (j *Journal) SetDateTime(s string) error {
	fields := strings.Fields(s)
	if len(fields) < 6 {
		return fmt.Errorf("date time %q: want \"YYYY MM DD hh mm ss\"", s)
	}
	var v [6]int
	for i := range v {
		n, err := strconv.Atoi(fields[i])
		if err != nil {
			return fmt.Errorf("date time %q: %w", s, err)
		}
		v[i] = n
	}
	now := j.now()
	synced := time.Date(v[0], time.Month(v[1]), v[2], v[3], v[4], v[5], 0, now.Location())
	j.offset.Store(int64(synced.Sub(now)))
	return nil
}

// Sync waits until every entry recorded before the call is written.
func (j *Journal) Sync(ctx context.Context) error {
	if j.closed.Load() {
		return ErrClosed
	}
	done := make(chan struct{})
	select {
	case j.queue <- entry{sync: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-j.quit:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dump writes every entry as "<time>\t<text>" lines followed by a
// "Total: N" trailer and returns N.
func (j *Journal) Dump(ctx context.Context, w io.Writer) (int, error) {
	rows, err := j.db.QueryContext(ctx, `SELECT at, text FROM entries ORDER BY id`)
	if err != nil {
		return 0, fmt.Errorf("query entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	n := 0
	for rows.Next() {
		var at int64
		var text string
		if err := rows.Scan(&at, &text); err != nil {
			return n, fmt.Errorf("scan entry: %w", err)
		}
		if _, err := fmt.Fprintf(w, "%s\t%s\n", time.Unix(0, at).Format(timeLayout), text); err != nil {
			return n, err
		}
		n++
	}
	if err := rows.Err(); err != nil {
		return n, fmt.Errorf("iterate entries: %w", err)
	}
	_, err = fmt.Fprintf(w, "Total: %d\n", n)
	return n, err
}

// Close writes the queued entries and closes the database.
func (j *Journal) Close() error {
	var err error
	j.once.Do(func() {
		j.closed.Store(true)
		close(j.quit)
		j.wg.Wait()
		err = j.db.Close()
	})
	return err
}

func (j *Journal) run() {
	defer j.wg.Done()
	ctx := context.Background()
	for {
		select {
		case e := <-j.queue:
			j.handle(ctx, e)
		case <-j.quit:
			for {
				select {
				case e := <-j.queue:
					j.handle(ctx, e)
				default:
					return
				}
			}
		}
	}
}

func (j *Journal) handle(ctx context.Context, e entry) {
	if e.sync != nil {
		close(e.sync)
		return
	}
	if err := j.insert(ctx, e); err != nil {
		j.log.WithError(err).Error("journal write failed")
	}
}

func (j *Journal) insert(ctx context.Context, e entry) error {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `INSERT INTO entries (at, text) VALUES (?, ?)`,
		e.at.UnixNano(), e.text); err != nil {
		return fmt.Errorf("insert entry: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE id NOT IN (
		SELECT id FROM entries ORDER BY id DESC LIMIT ?)`, j.maxEntries); err != nil {
		return fmt.Errorf("trim entries: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit insert tx: %w", err)
	}
	return nil
}
