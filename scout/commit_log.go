package scout

import (
	"database/sql"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
	_ "modernc.org/sqlite"

	"github.com/swiftcloud/scout/protocol"
)

// CommitLogEntry is one locally committed transaction as persisted in the
// durable log, keyed by its client timestamp.
type CommitLogEntry struct {
	ClientTimestamp protocol.Timestamp         `msgpack:"client_timestamp"`
	Dependency      *protocol.CausalClock      `msgpack:"dependency"`
	Groups          []*protocol.OpsGroupPacket `msgpack:"groups"`
}

// transactionsLog is the durable log of locally committed transactions,
// replayed across scout restarts so commits are never silently dropped.
type transactionsLog interface {
	Append(entry *CommitLogEntry) error
	// MarkCommitted records that the store accepted the transaction; it
	// will not be replayed again.
	MarkCommitted(counter int64) error
	Replay(fn func(entry *CommitLogEntry) error) error
	Flush() error
	Close() error
}

// dummyLog is used when no log file is configured.
type dummyLog struct {
}

func (self *dummyLog) Append(entry *CommitLogEntry) error {
	return nil
}

func (self *dummyLog) MarkCommitted(counter int64) error {
	return nil
}

func (self *dummyLog) Replay(fn func(entry *CommitLogEntry) error) error {
	return nil
}

func (self *dummyLog) Flush() error {
	return nil
}

func (self *dummyLog) Close() error {
	return nil
}

// sqliteLog stores the commit log in a sqlite database in WAL mode.
type sqliteLog struct {
	db *sql.DB
}

func newSqliteLog(path string) (*sqliteLog, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(10000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open commit log: %w", err)
	}
	db.SetMaxOpenConns(2)

	log := &sqliteLog{
		db: db,
	}
	if err := log.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate commit log: %w", err)
	}
	return log, nil
}

func (self *sqliteLog) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS commits (
		counter   INTEGER PRIMARY KEY,
		source    TEXT NOT NULL,
		payload   BLOB NOT NULL,
		committed INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_commits_committed ON commits(committed, counter);
	`
	_, err := self.db.Exec(schema)
	return err
}

func (self *sqliteLog) Append(entry *CommitLogEntry) error {
	payload, err := msgpack.Marshal(entry)
	if err != nil {
		return err
	}
	_, err = self.db.Exec(
		`INSERT INTO commits (counter, source, payload) VALUES (?, ?, ?)
		 ON CONFLICT(counter) DO UPDATE SET payload = excluded.payload`,
		entry.ClientTimestamp.Counter, entry.ClientTimestamp.Source, payload,
	)
	return err
}

func (self *sqliteLog) MarkCommitted(counter int64) error {
	_, err := self.db.Exec(`UPDATE commits SET committed = 1 WHERE counter = ?`, counter)
	return err
}

// Replay visits uncommitted entries in client timestamp order.
func (self *sqliteLog) Replay(fn func(entry *CommitLogEntry) error) error {
	rows, err := self.db.Query(
		`SELECT payload FROM commits WHERE committed = 0 ORDER BY counter ASC`,
	)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return err
		}
		entry := &CommitLogEntry{}
		if err := msgpack.Unmarshal(payload, entry); err != nil {
			return err
		}
		if err := fn(entry); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (self *sqliteLog) Flush() error {
	return nil
}

func (self *sqliteLog) Close() error {
	return self.db.Close()
}

// noFlushLog batches appends in memory until Flush, for configurations that
// do not flush on every commit.
type noFlushLog struct {
	log    transactionsLog
	buffer []*CommitLogEntry
}

func newNoFlushLog(log transactionsLog) *noFlushLog {
	return &noFlushLog{
		log: log,
	}
}

func (self *noFlushLog) Append(entry *CommitLogEntry) error {
	self.buffer = append(self.buffer, entry)
	return nil
}

func (self *noFlushLog) MarkCommitted(counter int64) error {
	if err := self.Flush(); err != nil {
		return err
	}
	return self.log.MarkCommitted(counter)
}

func (self *noFlushLog) Replay(fn func(entry *CommitLogEntry) error) error {
	return self.log.Replay(fn)
}

func (self *noFlushLog) Flush() error {
	for _, entry := range self.buffer {
		if err := self.log.Append(entry); err != nil {
			return err
		}
	}
	self.buffer = nil
	return self.log.Flush()
}

func (self *noFlushLog) Close() error {
	if err := self.Flush(); err != nil {
		return err
	}
	return self.log.Close()
}
