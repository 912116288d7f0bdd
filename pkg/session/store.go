package session

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dgraph-io/badger/v4"
)

// chatPrefix namespaces chat message keys; the suffix is a big-endian
// sequence number so iteration order is insertion order.
var chatPrefix = []byte("chat:")

// Store persists chat messages in an embedded badger database under
// <root>/data/memory. All writes are asynchronous and best-effort: the
// control loop and HTTP handlers never wait on disk.
type Store struct {
	db *badger.DB

	mu  sync.Mutex
	seq uint64
	wg  sync.WaitGroup
}

// OpenStore opens (or creates) the store at dir.
func OpenStore(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening session store: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSeq(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSeq() error {
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Reverse: true, Prefix: chatPrefix})
		defer it.Close()
		// Seek past the last chat key, then the first reverse hit is it.
		it.Seek(append(chatPrefix, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff))
		if it.ValidForPrefix(chatPrefix) {
			key := it.Item().Key()
			s.seq = binary.BigEndian.Uint64(key[len(chatPrefix):]) + 1
		}
		return nil
	})
}

// SaveMessageAsync writes a chat message in the background.
func (s *Store) SaveMessageAsync(msg Message) {
	s.mu.Lock()
	seq := s.seq
	s.seq++
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.saveMessage(seq, msg); err != nil {
			slog.Warn("Failed to persist chat message", "error", err)
		}
	}()
}

func (s *Store) saveMessage(seq uint64, msg Message) error {
	value, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	key := make([]byte, len(chatPrefix)+8)
	copy(key, chatPrefix)
	binary.BigEndian.PutUint64(key[len(chatPrefix):], seq)

	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	})
}

// LoadMessages returns all persisted chat messages in insertion order.
func (s *Store) LoadMessages() ([]Message, error) {
	var messages []Message
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: chatPrefix, PrefetchValues: true})
		defer it.Close()
		for it.Seek(chatPrefix); it.ValidForPrefix(chatPrefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var msg Message
				if err := json.Unmarshal(val, &msg); err != nil {
					return nil // skip corrupt entries
				}
				messages = append(messages, msg)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("loading chat history: %w", err)
	}
	return messages, nil
}

// ClearAsync drops all persisted chat messages in the background.
func (s *Store) ClearAsync() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.db.DropPrefix(chatPrefix); err != nil {
			slog.Warn("Failed to clear persisted chat history", "error", err)
		}
	}()
}

// Close flushes pending writes and closes the database.
func (s *Store) Close() error {
	s.wg.Wait()
	return s.db.Close()
}
