package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/MegaGrindStone/isek-web-ui/internal/models"
	bolt "go.etcd.io/bbolt"
)

// BoltDB persists chat sessions and their messages for the local backend. Sessions live in one bucket,
// and every session gets its own message bucket keyed by a zero-padded sequence, so iteration follows
// insertion order.
type BoltDB struct {
	db *bolt.DB
}

var sessionsBucket = []byte("sessions")

// ErrSessionNotFound is returned when a session ID is not in the store.
var ErrSessionNotFound = errors.New("session not found")

// NewBoltDB opens or creates the database file at path and makes sure the sessions bucket exists. The
// file is created with 0600 permissions.
func NewBoltDB(path string) (BoltDB, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return BoltDB{}, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(sessionsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return BoltDB{}, fmt.Errorf("failed to create sessions bucket: %w", err)
	}

	return BoltDB{db: db}, nil
}

func messageBucketName(sessionID string) []byte {
	return []byte("session-" + sessionID)
}

func sequenceKey(seq uint64, id string) string {
	return fmt.Sprintf("%010d-%s", seq, id)
}

// Close releases the database file.
func (b BoltDB) Close() error {
	return b.db.Close()
}

// Sessions returns every stored session, newest first.
func (b BoltDB) Sessions(context.Context) ([]models.ChatSession, error) {
	var sessions []models.ChatSession
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionsBucket).ForEach(func(_, v []byte) error {
			var s models.ChatSession
			if err := json.Unmarshal(v, &s); err != nil {
				return fmt.Errorf("failed to unmarshal session: %w", err)
			}
			sessions = append(sessions, s)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	slices.Reverse(sessions)
	return sessions, nil
}

// Session returns the session with the given ID, or ErrSessionNotFound.
func (b BoltDB) Session(_ context.Context, id string) (models.ChatSession, error) {
	var s models.ChatSession
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(sessionsBucket).Get([]byte(id))
		if v == nil {
			return ErrSessionNotFound
		}
		return json.Unmarshal(v, &s)
	})
	return s, err
}

// AddSession stores a new session and creates its message bucket. The stored ID is the session ID
// prefixed by a sequence number; it is returned.
func (b BoltDB) AddSession(_ context.Context, session models.ChatSession) (string, error) {
	var newID string
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(sessionsBucket)

		seq, err := bucket.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to get next sequence: %w", err)
		}
		newID = sequenceKey(seq, session.ID)
		session.ID = newID

		if _, err := tx.CreateBucketIfNotExists(messageBucketName(newID)); err != nil {
			return fmt.Errorf("failed to create message bucket: %w", err)
		}

		v, err := json.Marshal(session)
		if err != nil {
			return fmt.Errorf("failed to marshal session: %w", err)
		}
		return bucket.Put([]byte(newID), v)
	})

	return newID, err
}

// UpdateSession overwrites an existing session. Unknown sessions return ErrSessionNotFound.
func (b BoltDB) UpdateSession(_ context.Context, session models.ChatSession) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(sessionsBucket)
		if bucket.Get([]byte(session.ID)) == nil {
			return ErrSessionNotFound
		}

		v, err := json.Marshal(session)
		if err != nil {
			return fmt.Errorf("failed to marshal session: %w", err)
		}
		return bucket.Put([]byte(session.ID), v)
	})
}

// Messages returns the messages of a session in the order they were added. An unknown session has no
// messages.
func (b BoltDB) Messages(_ context.Context, sessionID string) ([]models.StoredMessage, error) {
	var messages []models.StoredMessage
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(messageBucketName(sessionID))
		if bucket == nil {
			return nil
		}

		return bucket.ForEach(func(_, v []byte) error {
			var msg models.StoredMessage
			if err := json.Unmarshal(v, &msg); err != nil {
				return fmt.Errorf("failed to unmarshal message: %w", err)
			}
			messages = append(messages, msg)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return messages, nil
}

// AddMessage appends a message to the session and returns its stored ID.
func (b BoltDB) AddMessage(_ context.Context, sessionID string, msg models.StoredMessage) (string, error) {
	var newID string
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(messageBucketName(sessionID))
		if bucket == nil {
			return ErrSessionNotFound
		}

		seq, err := bucket.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to get next sequence: %w", err)
		}
		newID = sequenceKey(seq, msg.ID)
		msg.ID = newID
		msg.SessionID = sessionID

		v, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		return bucket.Put([]byte(newID), v)
	})

	return newID, err
}
