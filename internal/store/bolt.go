package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/davidashman/homebridge-intellifire2/internal/fireplace"
)

var (
	bucketDevices = []byte("fireplaces")
	bucketSession = []byte("session")
	keySession    = []byte("cookies")
)

// BoltStore persists the device registry and cloud session cookies in a
// single-file BoltDB database.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketDevices, bucketSession} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) SaveDevice(dev fireplace.Device) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketDevices)
		}
		data, err := json.Marshal(dev)
		if err != nil {
			return err
		}
		return b.Put([]byte(dev.Serial), data)
	})
}

func (s *BoltStore) GetDevice(serial string) (fireplace.Device, error) {
	var dev fireplace.Device
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketDevices)
		}
		data := b.Get([]byte(serial))
		if data == nil {
			return fmt.Errorf("fireplace %s: %w", serial, ErrNotFound)
		}
		return json.Unmarshal(data, &dev)
	})
	if err != nil {
		return fireplace.Device{}, err
	}
	return dev, nil
}

func (s *BoltStore) DeleteDevice(serial string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketDevices)
		}
		return b.Delete([]byte(serial))
	})
}

func (s *BoltStore) ListDevices() ([]fireplace.Device, error) {
	var devices []fireplace.Device
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		if b == nil {
			return nil // no bucket = no devices
		}
		devices = make([]fireplace.Device, 0, b.Stats().KeyN)
		return b.ForEach(func(k, v []byte) error {
			var dev fireplace.Device
			if err := json.Unmarshal(v, &dev); err != nil {
				return err
			}
			devices = append(devices, dev)
			return nil
		})
	})
	return devices, err
}

func (s *BoltStore) SaveSession(sess *Session) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSession)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketSession)
		}
		// Use internal storage struct to persist the auth cookie.
		st := sessionStorage{
			User:        sess.User,
			AuthCookie:  sess.AuthCookie,
			WebClientID: sess.WebClientID,
		}
		data, err := json.Marshal(st)
		if err != nil {
			return err
		}
		return b.Put(keySession, data)
	})
}

func (s *BoltStore) GetSession() (*Session, error) {
	var sess Session
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSession)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketSession)
		}
		data := b.Get(keySession)
		if data == nil {
			return fmt.Errorf("session: %w", ErrNotFound)
		}
		// Deserialize via internal storage struct to recover the auth cookie.
		var st sessionStorage
		if err := json.Unmarshal(data, &st); err != nil {
			return err
		}
		sess = Session{
			User:        st.User,
			AuthCookie:  st.AuthCookie,
			WebClientID: st.WebClientID,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
