package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"

	"observatory/pkg/observatory"
)

const (
	observatoryBucket = "observatory"
	framesBucket      = "frames"

	stateKey = "state"
)

// ErrNotFound is returned when a key or bucket does not exist.
var ErrNotFound = errors.New("not found")

// Store keeps the runtime state of the observatory in a bolt database.
type Store struct {
	db     *bolt.DB
	logger log.FieldLogger
}

var _ observatory.StateRecorder = (*Store)(nil)

// Open opens or creates the database file at path.
func Open(path string, logger log.FieldLogger) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("cannot open database %s: %w", path, err)
	}
	st, err := New(db, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return st, nil
}

func New(db *bolt.DB, logger log.FieldLogger) (*Store, error) {
	st := &Store{db: db, logger: logger.WithField("component", "store")}
	if err := st.setDefaults(); err != nil {
		return nil, err
	}
	return st, nil
}

func (s *Store) setDefaults() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{observatoryBucket, framesBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		b := tx.Bucket([]byte(observatoryBucket))
		if b.Get([]byte(stateKey)) == nil {
			s.logger.Infof("Setting default observatory state")
			value, _ := json.Marshal(observatory.Snapshot{State: observatory.Off})
			return b.Put([]byte(stateKey), value)
		}
		return nil
	})
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) put(bucket, key string, v any) error {
	value, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(bucket))
		if err != nil {
			return err
		}
		return b.Put([]byte(key), value)
	})
}

func (s *Store) get(bucket, key string, v any) error {
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("bucket %s %w", bucket, ErrNotFound)
		}
		value := b.Get([]byte(key))
		if value == nil {
			return fmt.Errorf("key %s %w", key, ErrNotFound)
		}
		return json.Unmarshal(value, v)
	})
}

// SaveState saves the observatory snapshot.
func (s *Store) SaveState(snap observatory.Snapshot) error {
	return s.put(observatoryBucket, stateKey, snap)
}

// LoadState returns the last saved observatory snapshot.
func (s *Store) LoadState() (observatory.Snapshot, bool, error) {
	var snap observatory.Snapshot
	err := s.get(observatoryBucket, stateKey, &snap)
	if errors.Is(err, ErrNotFound) {
		return snap, false, nil
	}
	return snap, err == nil, err
}

// FrameRecord indexes a stored frame.
type FrameRecord struct {
	ID     uuid.UUID `json:"id"`
	Name   string    `json:"name"`
	Path   string    `json:"path"`
	Time   time.Time `json:"time"`
	Width  int       `json:"width"`
	Height int       `json:"height"`
}

func (s *Store) AddFrame(r FrameRecord) error {
	if r.ID == uuid.Nil {
		return errors.New("frame without id")
	}
	return s.put(framesBucket, r.ID.String(), r)
}

func (s *Store) Frame(id uuid.UUID) (FrameRecord, error) {
	var r FrameRecord
	err := s.get(framesBucket, id.String(), &r)
	return r, err
}

// Frames lists the stored frames, oldest first.
func (s *Store) Frames() ([]FrameRecord, error) {
	var frames []FrameRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(framesBucket))
		if b == nil {
			return fmt.Errorf("bucket %s %w", framesBucket, ErrNotFound)
		}
		return b.ForEach(func(_, value []byte) error {
			var r FrameRecord
			if err := json.Unmarshal(value, &r); err != nil {
				return err
			}
			frames = append(frames, r)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(frames, func(i, j int) bool {
		return frames[i].Time.Before(frames[j].Time)
	})
	return frames, nil
}
