// Package session holds per-session chat state: the non-blocking reads
// every observer gets from events.Store, plus an optional best-effort
// durable log of chat turns and recent activity. Durable writes never
// block the control loop.
package session

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/fieldglass/vagent/internal/events"
)

// Config controls optional durable persistence. A zero Config disables it.
type Config struct {
	// DSN is a go-sql-driver/mysql data source name, e.g.
	// "user:pass@tcp(127.0.0.1:3306)/vagent?parseTime=true". Empty
	// disables persistence entirely.
	DSN string
	// QueueSize bounds the best-effort write queue; once full, new writes
	// are dropped rather than applying backpressure to the orchestrator.
	QueueSize int
}

func (c *Config) setDefaults() {
	if c.QueueSize <= 0 {
		c.QueueSize = 512
	}
}

// record is one durable write, queued and drained by a background writer.
type record struct {
	kind string // "chat" or "activity"
	role string
	text string
	at   time.Time
}

// Session wraps an events.Store with the coalesced/bounded in-memory view
// every REST/socket read uses, and optionally fans writes out to MySQL for
// durability across restarts. Reads never touch the database; only the
// background writer does.
type Session struct {
	Store *events.Store

	db    *sql.DB
	queue chan record
	done  chan struct{}
}

// New returns a Session backed by store. If cfg.DSN is empty, persistence
// is a no-op and Record* calls only update the in-memory Store.
func New(store *events.Store, cfg Config) (*Session, error) {
	cfg.setDefaults()
	s := &Session{Store: store, done: make(chan struct{})}

	if cfg.DSN == "" {
		close(s.done)
		return s, nil
	}

	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening session database: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging session database: %w", err)
	}
	if err := ensureSchema(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	s.db = db
	s.queue = make(chan record, cfg.QueueSize)
	go s.writeLoop()
	return s, nil
}

func ensureSchema(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS chat_log (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			kind VARCHAR(16) NOT NULL,
			role VARCHAR(16) NOT NULL,
			text TEXT NOT NULL,
			at DATETIME NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("creating chat_log table: %w", err)
	}
	return nil
}

// RecordChat updates the in-memory Store immediately and enqueues a
// best-effort durable write.
func (s *Session) RecordChat(m events.ChatMessage) {
	s.Store.RecordChat(m)
	s.enqueue(record{kind: "chat", role: m.Role, text: m.Text, at: time.Now()})
}

// RecordActivity enqueues a best-effort durable write of a thought/action
// summary line, without touching the in-memory Store (that is owned by the
// orchestrator directly via RecordThought/RecordAction).
func (s *Session) RecordActivity(role, text string) {
	s.enqueue(record{kind: "activity", role: role, text: text, at: time.Now()})
}

func (s *Session) enqueue(r record) {
	if s.queue == nil {
		return
	}
	select {
	case s.queue <- r:
	default:
		log.Printf("[session] write queue full, dropping %s record", r.kind)
	}
}

func (s *Session) writeLoop() {
	defer close(s.done)
	for r := range s.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO chat_log (kind, role, text, at) VALUES (?, ?, ?, ?)`,
			r.kind, r.role, r.text, r.at)
		cancel()
		if err != nil {
			log.Printf("[session] best-effort write failed: %v", err)
		}
	}
}

// Close stops the background writer and closes the database handle, if
// any. Safe to call on a Session with persistence disabled.
func (s *Session) Close() error {
	if s.queue != nil {
		close(s.queue)
		<-s.done
	}
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
