package creds

import (
	"context"
	"database/sql"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/edgewan/agentcore/pkg/model"
)

// Persister stores the credential key/value layout from spec.md §6
// ("Persisted state layout") in a local sqlite file. Loss of persistence
// is tolerable, since the HELLO flow resumes from scratch, so every error
// here is logged and swallowed rather than propagated.
type Persister struct {
	once sync.Once
	path string
	db   *sql.DB
}

// NewPersister prepares (but does not yet open) a sqlite-backed store at
// path. Pass "" to disable persistence.
func NewPersister(path string) *Persister {
	if path == "" {
		return nil
	}
	return &Persister{path: path}
}

func (p *Persister) open() *sql.DB {
	p.once.Do(func() {
		if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
			log.Printf("creds: mkdir for %s failed: %v", p.path, err)
			return
		}
		dsn := "file:" + p.path + "?_pragma=busy_timeout=5000"
		db, err := sql.Open("sqlite", dsn)
		if err != nil {
			log.Printf("creds: sqlite open failed: %v", err)
			return
		}
		db.SetMaxOpenConns(1)
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			log.Printf("creds: sqlite ping failed: %v", err)
			_ = db.Close()
			return
		}
		const schema = `CREATE TABLE IF NOT EXISTS credentials(
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`
		if _, err := db.ExecContext(ctx, schema); err != nil {
			log.Printf("creds: sqlite schema init failed: %v", err)
			_ = db.Close()
			return
		}
		p.db = db
	})
	return p.db
}

var credentialKeys = []string{
	"session_token", "session_expires_at", "node_id", "node_auth_token", "tunnel_url",
}

// Save writes the key/value layout of spec.md §6, best effort.
func (p *Persister) Save(c model.Credentials) {
	db := p.open()
	if db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	values := map[string]string{
		"session_token":      c.SessionToken,
		"session_expires_at": strconv.FormatUint(c.SessionExpiresAtMS, 10),
		"node_id":            c.NodeID,
		"node_auth_token":    c.NodeAuthToken,
		"tunnel_url":         c.TunnelURL,
	}
	for _, k := range credentialKeys {
		if _, err := db.ExecContext(ctx,
			`INSERT INTO credentials(key, value) VALUES(?, ?)
			 ON CONFLICT(key) DO UPDATE SET value=excluded.value`, k, values[k]); err != nil {
			log.Printf("creds: sqlite write %s failed: %v", k, err)
		}
	}
}

// Load reads back a previously persisted credential set. ok is false when
// persistence is unavailable or no record exists yet.
func (p *Persister) Load() (model.Credentials, bool) {
	db := p.open()
	if db == nil {
		return model.Credentials{}, false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	rows, err := db.QueryContext(ctx, `SELECT key, value FROM credentials`)
	if err != nil {
		log.Printf("creds: sqlite read failed: %v", err)
		return model.Credentials{}, false
	}
	defer rows.Close()
	values := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			continue
		}
		values[k] = v
	}
	if len(values) == 0 {
		return model.Credentials{}, false
	}
	expiresAt, _ := strconv.ParseUint(values["session_expires_at"], 10, 64)
	return model.Credentials{
		SessionToken:       values["session_token"],
		SessionExpiresAtMS: expiresAt,
		NodeID:             values["node_id"],
		NodeAuthToken:      values["node_auth_token"],
		TunnelURL:          values["tunnel_url"],
	}, true
}
