package comfy

import (
	"database/sql"

	_ "modernc.org/sqlite"
)

// Preferences is the injected key-value store for collaborator state
// such as the last-used prompt text or host. Misses return the
// caller's default.
type Preferences struct {
	db *sql.DB
}

func OpenPreferences(path string) (*Preferences, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	self := &Preferences{db: db}
	if err := self.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return self, nil
}

func (self *Preferences) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS preferences (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	_, err := self.db.Exec(schema)
	return err
}

func (self *Preferences) Get(key string, defaultValue string) string {
	row := self.db.QueryRow(`SELECT value FROM preferences WHERE key = ?`, key)
	var value string
	if err := row.Scan(&value); err != nil {
		return defaultValue
	}
	return value
}

func (self *Preferences) Set(key string, value string) error {
	_, err := self.db.Exec(
		`INSERT INTO preferences (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	return err
}

func (self *Preferences) Close() error {
	return self.db.Close()
}
