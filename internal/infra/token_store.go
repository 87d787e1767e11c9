package infra

import (
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	// Ensure sqlcipher driver is registered.
	_ "github.com/mutecomm/go-sqlcipher/v4"

	"github.com/hearthguard/hearthd/internal/domain"
)

const credentialsDBName = "credentials.db"

// Credential keys.
const (
	credDeviceToken = "device_token"
	credDeviceID    = "device_id"
)

// EncryptedTokenStore keeps the device credential material in a SQLCipher
// encrypted SQLite database. The pairing token is the one secret on disk
// that warrants encryption at rest.
type EncryptedTokenStore struct {
	db     *sql.DB
	dbPath string
}

// NewEncryptedTokenStore opens (or creates) the credential database keyed
// by the SQLCipher passphrase via PRAGMA key.
func NewEncryptedTokenStore(dataDir string, key []byte) (*EncryptedTokenStore, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, credentialsDBName)
	keyHex := hex.EncodeToString(key)

	dsn := fmt.Sprintf("%s?_pragma_key=x'%s'&_pragma_cipher_page_size=4096", dbPath, keyHex)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open encrypted database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to encrypted database: %w", err)
	}

	store := &EncryptedTokenStore{db: db, dbPath: dbPath}
	if err := store.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return store, nil
}

func (s *EncryptedTokenStore) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS credentials (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// GetToken returns the stored device token, or empty when unpaired.
func (s *EncryptedTokenStore) GetToken() (string, error) {
	return s.get(credDeviceToken)
}

// SetToken stores the device token issued at pairing time.
func (s *EncryptedTokenStore) SetToken(token string) error {
	return s.set(credDeviceToken, token)
}

// GetDeviceID returns the stored device identifier, or empty.
func (s *EncryptedTokenStore) GetDeviceID() (string, error) {
	return s.get(credDeviceID)
}

// SetDeviceID stores the device identifier.
func (s *EncryptedTokenStore) SetDeviceID(id string) error {
	return s.set(credDeviceID, id)
}

// Close releases the database connection.
func (s *EncryptedTokenStore) Close() error {
	return s.db.Close()
}

func (s *EncryptedTokenStore) get(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM credentials WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

func (s *EncryptedTokenStore) set(key, value string) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO credentials (key, value, updated_at)
		VALUES (?, ?, ?)`,
		key, value, time.Now().Unix(),
	)
	return err
}

var _ domain.TokenStore = (*EncryptedTokenStore)(nil)
