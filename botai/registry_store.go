package botai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"go.etcd.io/bbolt"
	"gorm.io/gorm"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

const (
	registryBackendJSON     = "json"
	registryBackendBolt     = "bolt"
	registryBackendDatabase = "database"

	registryJSONIndent = "    "
)

var (
	boltRegistryBucket = []byte("registry")
	boltRegistryKey    = []byte("active_channels")
	boltOpenTimeout    = 5 * time.Second
)

// RegistryStore persists the active channel registry as a whole
// document, mapping channel IDs to persona IDs.
type RegistryStore interface {
	// Load returns the stored document. exists is false if nothing
	// has been stored yet.
	Load(ctx context.Context) (channels map[string]string, exists bool, err error)

	// Save replaces the stored document with channels
	Save(ctx context.Context, channels map[string]string) error
}

// NewRegistryStore returns the RegistryStore for the configured
// backend. db is only used by the 'database' backend.
func NewRegistryStore(cfg *RegistryConfig, db *gorm.DB) (RegistryStore, error) {
	switch cfg.Backend {
	case registryBackendJSON, "":
		return &jsonRegistryStore{path: cfg.Path}, nil
	case registryBackendBolt:
		return newBoltRegistryStore(cfg.Path)
	case registryBackendDatabase:
		if db == nil {
			return nil, errors.New("database registry backend requires a database")
		}
		return &gormRegistryStore{db: db}, nil
	default:
		return nil, fmt.Errorf("unknown registry backend: %q", cfg.Backend)
	}
}

// marshalRegistry encodes channels as a flat JSON object with a
// 4-space indent. Keys are sorted, so equal maps encode identically.
func marshalRegistry(channels map[string]string) ([]byte, error) {
	if channels == nil {
		channels = map[string]string{}
	}
	return json.MarshalIndent(channels, "", registryJSONIndent)
}

func unmarshalRegistry(data []byte) (map[string]string, error) {
	channels := map[string]string{}
	if err := json.Unmarshal(data, &channels); err != nil {
		return nil, err
	}
	return channels, nil
}

// jsonRegistryStore keeps the registry in a JSON file, rewritten in
// full on every save
type jsonRegistryStore struct {
	path string
}

func (s *jsonRegistryStore) Load(_ context.Context) (map[string]string, bool, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, err
	}
	channels, err := unmarshalRegistry(data)
	if err != nil {
		return nil, false, fmt.Errorf("error parsing %s: %w", s.path, err)
	}
	return channels, true, nil
}

func (s *jsonRegistryStore) Save(_ context.Context, channels map[string]string) error {
	data, err := marshalRegistry(channels)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(s.path); dir != "" {
		if err = os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(s.path, data, 0o644)
}

// boltRegistryStore keeps the same JSON document as jsonRegistryStore,
// under a single key in a bbolt database
type boltRegistryStore struct {
	db *bbolt.DB
}

func newBoltRegistryStore(path string) (*boltRegistryStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: boltOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("error opening %s: %w", path, err)
	}
	err = db.Update(
		func(tx *bbolt.Tx) error {
			_, bucketErr := tx.CreateBucketIfNotExists(boltRegistryBucket)
			return bucketErr
		},
	)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &boltRegistryStore{db: db}, nil
}

func (s *boltRegistryStore) Load(_ context.Context) (map[string]string, bool, error) {
	var data []byte
	err := s.db.View(
		func(tx *bbolt.Tx) error {
			if v := tx.Bucket(boltRegistryBucket).Get(boltRegistryKey); v != nil {
				// v is only valid for the life of the transaction
				data = append([]byte(nil), v...)
			}
			return nil
		},
	)
	if err != nil || data == nil {
		return nil, false, err
	}
	channels, err := unmarshalRegistry(data)
	if err != nil {
		return nil, false, err
	}
	return channels, true, nil
}

func (s *boltRegistryStore) Save(_ context.Context, channels map[string]string) error {
	data, err := marshalRegistry(channels)
	if err != nil {
		return err
	}
	return s.db.Update(
		func(tx *bbolt.Tx) error {
			return tx.Bucket(boltRegistryBucket).Put(boltRegistryKey, data)
		},
	)
}

func (s *boltRegistryStore) Close() error {
	return s.db.Close()
}

// gormRegistryStore keeps one ActiveChannel row per channel. Save
// replaces every row in a single transaction.
type gormRegistryStore struct {
	db *gorm.DB
}

func (s *gormRegistryStore) Load(ctx context.Context) (map[string]string, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, dbOperationTimeout)
	defer cancel()

	var rows []ActiveChannel
	if err := s.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, false, err
	}
	if len(rows) == 0 {
		return nil, false, nil
	}
	channels := make(map[string]string, len(rows))
	for _, row := range rows {
		channels[row.ChannelID] = row.Persona
	}
	return channels, true, nil
}

func (s *gormRegistryStore) Save(ctx context.Context, channels map[string]string) error {
	ctx, cancel := context.WithTimeout(ctx, dbOperationTimeout)
	defer cancel()

	return s.db.WithContext(ctx).Transaction(
		func(tx *gorm.DB) error {
			if err := tx.Where("1 = 1").Delete(&ActiveChannel{}).Error; err != nil {
				return err
			}
			if len(channels) == 0 {
				return nil
			}
			rows := make([]ActiveChannel, 0, len(channels))
			for channelID, persona := range channels {
				rows = append(rows, ActiveChannel{ChannelID: channelID, Persona: persona})
			}
			return tx.Create(&rows).Error
		},
	)
}
