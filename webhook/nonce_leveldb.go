package webhook

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const (
	replayKeyPrefix = "replay:"
	seenKeyPrefix   = "seen:"
)

// NonceStore persists webhook nonces so replayed deliveries are rejected
// across process restarts. Backed by LevelDB.
type NonceStore struct {
	db *leveldb.DB
}

// OpenNonceStore opens (or creates) the replay database at path.
func OpenNonceStore(path string) (*NonceStore, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("webhook: nonce store path required")
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, fmt.Errorf("webhook: resolve nonce store path: %w", err)
	}
	db, err := leveldb.OpenFile(abs, nil)
	if err != nil {
		return nil, fmt.Errorf("webhook: open nonce store: %w", err)
	}
	return &NonceStore{db: db}, nil
}

// Close releases the underlying LevelDB resources.
func (s *NonceStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Seen records the nonce and reports whether it was observed before. A true
// result means the delivery is a replay.
func (s *NonceStore) Seen(ctx context.Context, providerName, timestamp, nonce string, observedAt time.Time) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("webhook: nonce store not configured")
	}
	providerName = strings.TrimSpace(providerName)
	timestamp = strings.TrimSpace(timestamp)
	nonce = strings.TrimSpace(nonce)
	if providerName == "" || timestamp == "" || nonce == "" {
		return false, fmt.Errorf("webhook: nonce record incomplete")
	}
	observed := observedAt.UTC()
	if observed.IsZero() {
		observed = time.Now().UTC()
	}

	composite := strings.Join([]string{providerName, timestamp, nonce}, "|")
	replayKey := []byte(replayKeyPrefix + composite)
	switch _, err := s.db.Get(replayKey, nil); {
	case errors.Is(err, leveldb.ErrNotFound):
	case err != nil:
		return false, fmt.Errorf("webhook: load nonce: %w", err)
	default:
		return true, nil
	}

	nanos := observed.UnixNano()
	batch := new(leveldb.Batch)
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(nanos))
	batch.Put(replayKey, buf)
	batch.Put([]byte(seenKey(nanos, composite)), nil)
	if err := s.db.Write(batch, nil); err != nil {
		return false, fmt.Errorf("webhook: record nonce: %w", err)
	}
	return false, nil
}

// Prune deletes nonces observed before cutoff. Intended to run periodically
// with a cutoff older than the verifier's acceptance window.
func (s *NonceStore) Prune(ctx context.Context, cutoff time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("webhook: nonce store not configured")
	}
	cutoffKey := seenKey(cutoff.UTC().UnixNano(), "")
	iter := s.db.NewIterator(util.BytesPrefix([]byte(seenKeyPrefix)), nil)
	defer iter.Release()

	batch := new(leveldb.Batch)
	for iter.Next() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if string(iter.Key()) >= cutoffKey {
			break
		}
		composite, ok := parseSeenKey(iter.Key())
		if !ok {
			continue
		}
		batch.Delete(append([]byte(nil), iter.Key()...))
		batch.Delete([]byte(replayKeyPrefix + composite))
	}
	if err := iter.Error(); err != nil {
		return fmt.Errorf("webhook: iterate nonces: %w", err)
	}
	if batch.Len() > 0 {
		if err := s.db.Write(batch, nil); err != nil {
			return fmt.Errorf("webhook: prune nonces: %w", err)
		}
	}
	return nil
}

func seenKey(nanos int64, composite string) string {
	return fmt.Sprintf("%s%020d:%s", seenKeyPrefix, nanos, composite)
}

func parseSeenKey(key []byte) (string, bool) {
	parts := strings.SplitN(string(key), ":", 3)
	if len(parts) != 3 {
		return "", false
	}
	if _, err := strconv.ParseInt(parts[1], 10, 64); err != nil {
		return "", false
	}
	return parts[2], true
}
