package config

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memPersister struct {
	mu      sync.Mutex
	docs    map[Category][]byte
	failErr error
}

func newMemPersister() *memPersister {
	return &memPersister{docs: make(map[Category][]byte)}
}

func (m *memPersister) LoadDocument(cat Category) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return nil, m.failErr
	}
	b, ok := m.docs[cat]
	if !ok {
		return nil, ErrNoDocument
	}
	return b, nil
}

func (m *memPersister) SaveDocument(cat Category, body []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return m.failErr
	}
	m.docs[cat] = append([]byte(nil), body...)
	return nil
}

func (m *memPersister) DeleteDocument(cat Category) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.docs, cat)
	return nil
}

func TestStore_TypedGetters(t *testing.T) {
	s := NewStore(nil, nil, nil)
	s.Set(System, "name", "greenhouse")
	s.Set(System, "interval", 20)
	s.Set(System, "ratio", 0.5)
	s.Set(System, "enabled", true)
	s.Set(System, "port", "1883")

	assert.Equal(t, "greenhouse", s.GetString(System, "name", ""))
	assert.Equal(t, 20, s.GetInt(System, "interval", 0))
	assert.Equal(t, 0.5, s.GetFloat(System, "ratio", 0))
	assert.True(t, s.GetBool(System, "enabled", false))
	assert.Equal(t, 1883, s.GetInt(System, "port", 0))
	assert.Equal(t, 7, s.GetInt(System, "ratio", 7), "fractional value is not an int")
	assert.Equal(t, "fallback", s.GetString(System, "missing", "fallback"))
	assert.True(t, s.Has(System, "name"))
	assert.False(t, s.Has(Data, "name"))
}

func TestStore_GetIntOutOfRange(t *testing.T) {
	s := NewStore(nil, nil, nil)
	require.NoError(t, s.MergeJSON(Command, []byte(`{"command":1e19,"low":-1e19,"ok":-3}`)))

	assert.Equal(t, -1, s.GetInt(Command, "command", -1))
	assert.Equal(t, -1, s.GetInt(Command, "low", -1))
	assert.Equal(t, -3, s.GetInt(Command, "ok", 0))
}

func TestStore_MergeJSONRejectsBadPayload(t *testing.T) {
	s := NewStore(nil, nil, nil)
	require.NoError(t, s.MergeJSON(Command, []byte(`{"command":3}`)))

	err := s.MergeJSON(Command, []byte(`not json`))
	require.Error(t, err)
	err = s.MergeJSON(Command, []byte(`"string"`))
	require.ErrorIs(t, err, ErrNotObject)

	assert.Equal(t, 3, s.GetInt(Command, "command", -1))
}

func TestStore_SaveLoadRoundTrip(t *testing.T) {
	p := newMemPersister()
	s := NewStore(p, nil, nil)
	require.NoError(t, s.MergeJSON(System, []byte(`{"targets":{"temp":21.5}}`)))
	require.NoError(t, s.Save(System))

	other := NewStore(p, nil, nil)
	require.NoError(t, other.Load(System))
	assert.Equal(t, map[string]any{"targets": map[string]any{"temp": 21.5}}, other.Snapshot(System))
}

func TestStore_LoadSeedsDefaults(t *testing.T) {
	p := newMemPersister()
	defaults := map[Category]map[string]any{
		SessionConfig: {KeyHost: "10.0.0.5", KeyPort: 1883},
	}
	s := NewStore(p, defaults, nil)
	s.Set(SessionConfig, KeyHost, "changed")

	require.NoError(t, s.LoadAll())
	assert.Equal(t, "10.0.0.5", s.GetString(SessionConfig, KeyHost, ""))
	assert.Equal(t, 1883, s.GetInt(SessionConfig, KeyPort, 0))
}

func TestStore_LoadFailureKeepsDocument(t *testing.T) {
	p := newMemPersister()
	s := NewStore(p, nil, nil)
	s.Set(Data, "temp", 20.0)

	p.failErr = errors.New("disk gone")
	err := s.Load(Data)
	require.Error(t, err)
	assert.Equal(t, 20.0, s.GetFloat(Data, "temp", 0))
}

func TestStore_ClearAndReset(t *testing.T) {
	p := newMemPersister()
	s := NewStore(p, map[Category]map[string]any{System: {"mode": "auto"}}, nil)
	require.NoError(t, s.Save(System))

	require.NoError(t, s.Clear(System))
	assert.Empty(t, s.Snapshot(System))
	_, err := p.LoadDocument(System)
	assert.ErrorIs(t, err, ErrNoDocument)

	require.NoError(t, s.Reset(System))
	assert.Equal(t, "auto", s.GetString(System, "mode", ""))
	assert.Contains(t, p.docs, System)
}

func TestStore_SnapshotIsCopy(t *testing.T) {
	s := NewStore(nil, nil, nil)
	require.NoError(t, s.MergeJSON(Data, []byte(`{"a":{"b":1}}`)))
	snap := s.Snapshot(Data)
	snap["a"].(map[string]any)["b"] = 2.0
	assert.Equal(t, `{"a":{"b":1}}`, mustJSON(t, s, Data))
}

func TestSQLitePersister(t *testing.T) {
	db, err := OpenDB(filepath.Join(t.TempDir(), "sub", "node.db"))
	require.NoError(t, err)
	defer db.Close()

	p, err := NewSQLitePersister(db)
	require.NoError(t, err)

	_, err = p.LoadDocument(Data)
	assert.ErrorIs(t, err, ErrNoDocument)

	require.NoError(t, p.SaveDocument(Data, []byte(`{"x":1}`)))
	require.NoError(t, p.SaveDocument(Data, []byte(`{"x":2}`)))
	body, err := p.LoadDocument(Data)
	require.NoError(t, err)
	assert.JSONEq(t, `{"x":2}`, string(body))

	require.NoError(t, p.DeleteDocument(Data))
	_, err = p.LoadDocument(Data)
	assert.ErrorIs(t, err, ErrNoDocument)
}

func mustJSON(t *testing.T, s *Store, cat Category) string {
	t.Helper()
	b, err := s.JSON(cat)
	require.NoError(t, err)
	return string(b)
}
