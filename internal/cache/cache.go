package cache

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/daemonp/dreamcatcher2mqtt/internal/types"
)

var (
	devicesBucket = []byte("devices")
	alarmsBucket  = []byte("alarms")
)

type devicesRecord struct {
	Devices    []types.Device `json:"devices"`
	LastUpdate time.Time      `json:"last_update"`
}

// Store keeps the last known peripheral list of each panel and a journal
// of alarm events across restarts.
type Store struct {
	db *bolt.DB
}

func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open cache %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{devicesBucket, alarmsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create cache buckets: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) SaveDevices(panelID string, devices []types.Device) error {
	data, err := json.Marshal(devicesRecord{Devices: devices, LastUpdate: time.Now()})
	if err != nil {
		return fmt.Errorf("failed to marshal devices: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(devicesBucket).Put([]byte(panelID), data)
	})
}

// LoadDevices returns nil without error when nothing is cached.
func (s *Store) LoadDevices(panelID string) ([]types.Device, error) {
	var record devicesRecord
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(devicesBucket).Get([]byte(panelID))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &record)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load devices for %s: %w", panelID, err)
	}
	if !found {
		return nil, nil
	}
	return record.Devices, nil
}

// AppendAlarm journals an alarm event under panelID, whichever device
// reported it.
func (s *Store) AppendAlarm(panelID string, event types.AlarmEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal alarm: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.Bucket(alarmsBucket).CreateBucketIfNotExists([]byte(panelID))
		if err != nil {
			return err
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		return b.Put(itob(seq), data)
	})
}

// RecentAlarms returns up to limit events for a panel, newest first.
func (s *Store) RecentAlarms(panelID string, limit int) ([]types.AlarmEvent, error) {
	var events []types.AlarmEvent
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(alarmsBucket).Bucket([]byte(panelID))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Last(); k != nil && (limit <= 0 || len(events) < limit); k, v = c.Prev() {
			var ev types.AlarmEvent
			if err := json.Unmarshal(v, &ev); err != nil {
				return err
			}
			events = append(events, ev)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read alarms for %s: %w", panelID, err)
	}
	return events, nil
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
