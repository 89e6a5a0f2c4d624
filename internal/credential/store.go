package credential

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// cipherTextPrefix marks encrypted secrets so plaintext rows written by older
// builds are recognizable and migrated on read.
const cipherTextPrefix = "enc:v1:"

// Store persists credentials in SQLite with secrets encrypted at rest.
// AES-256-GCM with a fresh 12-byte nonce per ciphertext; the key is the
// SHA-256 of a machine-bound passphrase.
type Store struct {
	db   *sql.DB
	aead cipher.AEAD
}

// OpenStore opens (creating if needed) the credential database.
func OpenStore(path, passphrase string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open credential store: %w", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS credentials (
			id            TEXT PRIMARY KEY,
			provider      TEXT NOT NULL,
			secret        TEXT NOT NULL,
			refresh       TEXT NOT NULL DEFAULT '',
			base_url      TEXT NOT NULL DEFAULT '',
			models        TEXT NOT NULL DEFAULT '',
			proxy_url     TEXT NOT NULL DEFAULT '',
			disabled      INTEGER NOT NULL DEFAULT 0,
			priority      INTEGER NOT NULL DEFAULT 0,
			requests      INTEGER NOT NULL DEFAULT 0,
			successes     INTEGER NOT NULL DEFAULT 0,
			failures      INTEGER NOT NULL DEFAULT 0,
			input_tokens  INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			first_seen    INTEGER NOT NULL DEFAULT 0,
			last_used     INTEGER NOT NULL DEFAULT 0
		)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init credential store: %w", err)
	}

	key := sha256.Sum256([]byte(passphrase))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, aead: aead}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) seal(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := s.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return cipherTextPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

func (s *Store) open(stored string) (string, error) {
	if stored == "" {
		return "", nil
	}
	if !strings.HasPrefix(stored, cipherTextPrefix) {
		// Legacy plaintext row.
		return stored, nil
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, cipherTextPrefix))
	if err != nil {
		return "", fmt.Errorf("decode secret: %w", err)
	}
	ns := s.aead.NonceSize()
	if len(raw) < ns {
		return "", fmt.Errorf("ciphertext shorter than nonce")
	}
	plain, err := s.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return "", fmt.Errorf("decrypt secret: %w", err)
	}
	return string(plain), nil
}

// Put inserts or replaces a credential row.
func (s *Store) Put(c *Credential) error {
	secret, err := s.seal(c.Secret)
	if err != nil {
		return err
	}
	refresh, err := s.seal(c.Refresh)
	if err != nil {
		return err
	}
	firstSeen := c.Stats.FirstSeen.Unix()
	if c.Stats.FirstSeen.IsZero() {
		firstSeen = time.Now().Unix()
	}
	_, err = s.db.Exec(`
		INSERT OR REPLACE INTO credentials
		(id, provider, secret, refresh, base_url, models, proxy_url, disabled, priority,
		 requests, successes, failures, input_tokens, output_tokens, first_seen, last_used)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Provider, secret, refresh, c.BaseURL, strings.Join(c.Models, ","),
		c.ProxyURL, boolToInt(c.Disabled), c.Priority,
		c.Stats.Requests, c.Stats.Successes, c.Stats.Failures,
		c.Stats.InputTokens, c.Stats.OutputTokens, firstSeen, c.Stats.LastUsed.Unix())
	return err
}

// List returns all credentials for a provider with secrets decrypted.
func (s *Store) List(provider string) ([]*Credential, error) {
	rows, err := s.db.Query(`
		SELECT id, provider, secret, refresh, base_url, models, proxy_url, disabled, priority,
		       requests, successes, failures, input_tokens, output_tokens, first_seen, last_used
		FROM credentials WHERE provider = ? ORDER BY id`, provider)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Credential
	for rows.Next() {
		var (
			c                   Credential
			secret, refresh     string
			models              string
			disabled            int
			firstSeen, lastUsed int64
		)
		if err := rows.Scan(&c.ID, &c.Provider, &secret, &refresh, &c.BaseURL, &models,
			&c.ProxyURL, &disabled, &c.Priority,
			&c.Stats.Requests, &c.Stats.Successes, &c.Stats.Failures,
			&c.Stats.InputTokens, &c.Stats.OutputTokens, &firstSeen, &lastUsed); err != nil {
			return nil, err
		}
		if c.Secret, err = s.open(secret); err != nil {
			return nil, fmt.Errorf("credential %s: %w", c.ID, err)
		}
		if c.Refresh, err = s.open(refresh); err != nil {
			return nil, fmt.Errorf("credential %s: %w", c.ID, err)
		}
		if models != "" {
			c.Models = strings.Split(models, ",")
		}
		c.Disabled = disabled != 0
		c.Stats.FirstSeen = time.Unix(firstSeen, 0)
		if lastUsed > 0 {
			c.Stats.LastUsed = time.Unix(lastUsed, 0)
		}
		c.Health.Status = Healthy
		out = append(out, &c)
	}
	return out, rows.Err()
}

// UpdateStats applies a delta to a credential's durable counters.
func (s *Store) UpdateStats(id string, delta StatsDelta) error {
	_, err := s.db.Exec(`
		UPDATE credentials SET
			requests      = requests + ?,
			successes     = successes + ?,
			failures      = failures + ?,
			input_tokens  = input_tokens + ?,
			output_tokens = output_tokens + ?,
			last_used     = ?
		WHERE id = ?`,
		delta.Requests, delta.Successes, delta.Failures,
		delta.InputTokens, delta.OutputTokens, time.Now().Unix(), id)
	return err
}

// SetDisabled flips the durable disabled flag.
func (s *Store) SetDisabled(id string, disabled bool) error {
	_, err := s.db.Exec(`UPDATE credentials SET disabled = ? WHERE id = ?`, boolToInt(disabled), id)
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
