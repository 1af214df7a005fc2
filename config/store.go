package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"sync"
)

// Category addresses one JSON document in the store.
type Category string

const (
	Data          Category = "data"
	System        Category = "system"
	Command       Category = "command"
	SessionConfig Category = "session"
)

// Keys of the SessionConfig document.
const (
	KeyHost     = "mqtt_host"
	KeyPort     = "mqtt_port"
	KeyDeviceID = "device_id"
)

// Categories lists every category in load order.
func Categories() []Category {
	return []Category{Data, System, Command, SessionConfig}
}

// ErrNoDocument is returned by a Persister when nothing has been saved for
// a category yet.
var ErrNoDocument = errors.New("no stored document")

// Persister is the durable backing of a Store.
type Persister interface {
	LoadDocument(category Category) ([]byte, error)
	SaveDocument(category Category, body []byte) error
	DeleteDocument(category Category) error
}

// Store keeps one JSON object per category in memory and writes it through
// to a Persister on Save. It is safe for concurrent use.
type Store struct {
	mu        sync.RWMutex
	docs      map[Category]map[string]any
	defaults  map[Category]map[string]any
	persister Persister
	logger    *slog.Logger
}

// NewStore creates a store. defaults seeds a category whose document has
// never been saved. A nil persister keeps everything in memory.
func NewStore(persister Persister, defaults map[Category]map[string]any, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		docs:      make(map[Category]map[string]any),
		defaults:  make(map[Category]map[string]any),
		persister: persister,
		logger:    logger,
	}
	for cat, doc := range defaults {
		s.defaults[cat] = normalize(doc).(map[string]any)
	}
	for _, cat := range Categories() {
		s.docs[cat] = s.seed(cat)
	}
	return s
}

func (s *Store) seed(cat Category) map[string]any {
	if d, ok := s.defaults[cat]; ok {
		return clone(d).(map[string]any)
	}
	return make(map[string]any)
}

// Get returns the raw value stored under key.
func (s *Store) Get(cat Category, key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.docs[cat][key]
	return clone(v), ok
}

// Has reports whether key is present in the category document.
func (s *Store) Has(cat Category, key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.docs[cat][key]
	return ok
}

func (s *Store) GetString(cat Category, key, def string) string {
	v, ok := s.Get(cat, key)
	if !ok {
		return def
	}
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return def
	}
}

// GetInt accepts whole JSON numbers and numeric strings.
func (s *Store) GetInt(cat Category, key string, def int) int {
	v, ok := s.Get(cat, key)
	if !ok {
		return def
	}
	switch t := v.(type) {
	case float64:
		if t != math.Trunc(t) || t < math.MinInt || t >= -math.MinInt {
			return def
		}
		return int(t)
	case string:
		n, err := strconv.Atoi(t)
		if err != nil {
			return def
		}
		return n
	default:
		return def
	}
}

func (s *Store) GetFloat(cat Category, key string, def float64) float64 {
	v, ok := s.Get(cat, key)
	if !ok {
		return def
	}
	switch t := v.(type) {
	case float64:
		return t
	case string:
		f, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return def
		}
		return f
	default:
		return def
	}
}

func (s *Store) GetBool(cat Category, key string, def bool) bool {
	v, ok := s.Get(cat, key)
	if !ok {
		return def
	}
	b, ok := v.(bool)
	if !ok {
		return def
	}
	return b
}

// Set stores value under key. The change is in memory until Save.
func (s *Store) Set(cat Category, key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[cat]
	if !ok {
		doc = make(map[string]any)
		s.docs[cat] = doc
	}
	doc[key] = normalize(value)
}

// Snapshot returns a deep copy of the category document.
func (s *Store) Snapshot(cat Category) map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return clone(s.docs[cat]).(map[string]any)
}

// MergeJSON deep-merges payload into the category document. The payload
// must be a JSON object; on any error the document is left untouched.
func (s *Store) MergeJSON(cat Category, payload []byte) error {
	obj, err := ParseObject(payload)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[cat] = Merge(s.docs[cat], obj)
	return nil
}

// JSON serializes the category document.
func (s *Store) JSON(cat Category) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc := s.docs[cat]
	if doc == nil {
		doc = map[string]any{}
	}
	return json.Marshal(doc)
}

// Load replaces the in-memory document with the persisted one, or with the
// seed document when nothing was persisted.
func (s *Store) Load(cat Category) error {
	if s.persister == nil {
		return nil
	}
	body, err := s.persister.LoadDocument(cat)
	if errors.Is(err, ErrNoDocument) {
		s.mu.Lock()
		s.docs[cat] = s.seed(cat)
		s.mu.Unlock()
		s.logger.Debug("no stored document, using defaults", "category", cat)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load %s: %w", cat, err)
	}
	obj, err := ParseObject(body)
	if err != nil {
		return fmt.Errorf("load %s: %w", cat, err)
	}
	s.mu.Lock()
	s.docs[cat] = obj
	s.mu.Unlock()
	return nil
}

// Save writes the category document to the persister.
func (s *Store) Save(cat Category) error {
	if s.persister == nil {
		return nil
	}
	body, err := s.JSON(cat)
	if err != nil {
		return fmt.Errorf("encode %s: %w", cat, err)
	}
	if err := s.persister.SaveDocument(cat, body); err != nil {
		return fmt.Errorf("save %s: %w", cat, err)
	}
	return nil
}

// Clear empties the category document and removes its persisted copy.
func (s *Store) Clear(cat Category) error {
	s.mu.Lock()
	s.docs[cat] = make(map[string]any)
	s.mu.Unlock()
	if s.persister == nil {
		return nil
	}
	if err := s.persister.DeleteDocument(cat); err != nil {
		return fmt.Errorf("clear %s: %w", cat, err)
	}
	return nil
}

// Reset puts the seed document back in memory and persists it.
func (s *Store) Reset(cat Category) error {
	s.mu.Lock()
	s.docs[cat] = s.seed(cat)
	s.mu.Unlock()
	return s.Save(cat)
}

// LoadAll loads every category, continuing past failures.
func (s *Store) LoadAll() error {
	var errs []error
	for _, cat := range Categories() {
		if err := s.Load(cat); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Store) SaveAll() error {
	var errs []error
	for _, cat := range Categories() {
		if err := s.Save(cat); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
