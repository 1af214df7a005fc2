package mqtt

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"furitingoasis/farmnode/config"
)

type fakeToken struct {
	done  chan struct{}
	err   error
	msgID uint16
}

func newToken(complete bool, err error) *fakeToken {
	t := &fakeToken{done: make(chan struct{}), err: err}
	if complete {
		close(t.done)
	}
	return t
}

func (t *fakeToken) finish(err error) {
	t.err = err
	close(t.done)
}

func (t *fakeToken) Wait() bool                     { <-t.done; return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }
func (t *fakeToken) MessageID() uint16              { return t.msgID }

type published struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

type fakeClient struct {
	paho.Client

	mu           sync.Mutex
	opts         *paho.ClientOptions
	connected    bool
	connectToken *fakeToken
	connects     int
	disconnects  int
	published    []published
	subscribed   map[string]paho.MessageHandler
	unsubscribed []string
	publishMsgID uint16
}

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeClient) Connect() paho.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connects++
	c.connectToken = newToken(false, nil)
	return c.connectToken
}

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnects++
	c.connected = false
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	var body []byte
	switch p := payload.(type) {
	case []byte:
		body = p
	case string:
		body = []byte(p)
	}
	c.published = append(c.published, published{topic, qos, retained, body})
	t := newToken(true, nil)
	t.msgID = c.publishMsgID
	return t
}

func (c *fakeClient) Subscribe(topic string, _ byte, cb paho.MessageHandler) paho.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribed[topic] = cb
	return newToken(true, nil)
}

func (c *fakeClient) Unsubscribe(topics ...string) paho.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unsubscribed = append(c.unsubscribed, topics...)
	return newToken(true, nil)
}

// accept completes the pending connect the way paho does.
func (c *fakeClient) accept() {
	c.mu.Lock()
	c.connected = true
	tok := c.connectToken
	c.mu.Unlock()
	c.opts.OnConnect(c)
	tok.finish(nil)
}

func (c *fakeClient) refuse(err error) {
	c.mu.Lock()
	tok := c.connectToken
	c.mu.Unlock()
	tok.finish(err)
}

func (c *fakeClient) deliver(topic string, payload string) {
	c.mu.Lock()
	cb := c.subscribed[topic]
	c.mu.Unlock()
	cb(c, &fakeMessage{topic: topic, payload: []byte(payload)})
}

type fakeMessage struct {
	paho.Message
	topic   string
	payload []byte
}

func (m *fakeMessage) Topic() string   { return m.topic }
func (m *fakeMessage) Payload() []byte { return m.payload }

type memPersister struct{}

func (memPersister) LoadDocument(config.Category) ([]byte, error) { return nil, config.ErrNoDocument }
func (memPersister) SaveDocument(config.Category, []byte) error   { return nil }
func (memPersister) DeleteDocument(config.Category) error         { return nil }

type recordingDispatcher struct {
	codes []int
	err   error
}

func (d *recordingDispatcher) Dispatch(code int) error {
	d.codes = append(d.codes, code)
	return d.err
}

type linkStub struct{ up bool }

func (l *linkStub) Connected() bool { return l.up }

type harness struct {
	s          *Session
	store      *config.Store
	link       *linkStub
	dispatcher *recordingDispatcher
	clients    []*fakeClient
	now        time.Time
}

func newHarness(t *testing.T, session map[string]any) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := &harness{
		store: config.NewStore(memPersister{}, map[config.Category]map[string]any{
			config.SessionConfig: session,
		}, logger),
		link:       &linkStub{up: true},
		dispatcher: &recordingDispatcher{},
		now:        time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, h.store.LoadAll())
	h.s = NewSession(Config{
		QoS:           1,
		Retained:      true,
		CheckInterval: 5 * time.Second,
		RetryInterval: 10 * time.Second,
		MaxAttempts:   2,
	}, h.store, h.link, h.dispatcher, logger)
	h.s.now = func() time.Time { return h.now }
	h.s.newClient = func(opts *paho.ClientOptions) paho.Client {
		c := &fakeClient{opts: opts, subscribed: map[string]paho.MessageHandler{}, publishMsgID: 7}
		h.clients = append(h.clients, c)
		return c
	}
	return h
}

func configured() map[string]any {
	return map[string]any{
		config.KeyHost:     "10.0.0.5",
		config.KeyPort:     1883,
		config.KeyDeviceID: "farm001",
	}
}

func (h *harness) tick(d time.Duration) {
	h.now = h.now.Add(d)
	h.s.Maintain()
}

func (h *harness) client() *fakeClient { return h.clients[len(h.clients)-1] }

// connect drives the session from nothing to Connected.
func (h *harness) connect(t *testing.T) {
	t.Helper()
	h.tick(0)
	require.Equal(t, Configured, h.s.State())
	h.tick(5 * time.Second)
	require.Equal(t, Connecting, h.s.State())
	h.client().accept()
	h.tick(time.Millisecond)
	require.Equal(t, Connected, h.s.State())
}

func TestInitialize_RequiresSettings(t *testing.T) {
	h := newHarness(t, map[string]any{config.KeyHost: "", config.KeyPort: 1883})
	assert.ErrorIs(t, h.s.Initialize(), ErrNotConfigured)
	h.tick(0)
	assert.Equal(t, Uninitialized, h.s.State())
	assert.Empty(t, h.clients)
}

func TestInitialize_ClientOptions(t *testing.T) {
	h := newHarness(t, configured())
	require.NoError(t, h.s.Initialize())
	opts := h.client().opts
	require.Len(t, opts.Servers, 1)
	assert.Equal(t, "tcp://10.0.0.5:1883", opts.Servers[0].String())
	assert.Equal(t, "farmnode-farm001", opts.ClientID)
	assert.False(t, opts.AutoReconnect)
	assert.Equal(t, "/farm001/status", opts.WillTopic)
	assert.True(t, opts.WillRetained)
	assert.Equal(t, Configured, h.s.State())
}

func TestConnect_SubscribesAndAnnounces(t *testing.T) {
	h := newHarness(t, configured())
	h.connect(t)

	c := h.client()
	assert.Contains(t, c.subscribed, "/farm001/config")
	assert.Contains(t, c.subscribed, "/farm001/command")
	require.NotEmpty(t, c.published)
	assert.Equal(t, published{"/farm001/status", 1, true, []byte("online")}, c.published[0])
	assert.Zero(t, h.s.Status().Attempts)
}

func TestCommandTopic_DispatchesOnce(t *testing.T) {
	h := newHarness(t, configured())
	h.connect(t)

	h.client().deliver("/farm001/command", `{"command":1}`)
	h.tick(time.Millisecond)

	assert.Equal(t, []int{1}, h.dispatcher.codes)
	assert.Equal(t, 1, h.store.GetInt(config.Command, "command", -1))
}

func TestConfigTopic_MergesIntoSystem(t *testing.T) {
	h := newHarness(t, configured())
	h.connect(t)
	h.store.Set(config.System, "light", map[string]any{"on": "06:00:00", "off": "20:00:00"})

	h.client().deliver("/farm001/config", `{"light":{"off":"21:00:00"},"pump":5}`)
	h.tick(time.Millisecond)

	assert.Equal(t, map[string]any{
		"light": map[string]any{"on": "06:00:00", "off": "21:00:00"},
		"pump":  float64(5),
	}, h.store.Snapshot(config.System))
	assert.Empty(t, h.dispatcher.codes)
}

func TestMalformedPayload_LeavesDocumentUnchanged(t *testing.T) {
	h := newHarness(t, configured())
	h.connect(t)
	h.store.Set(config.System, "pump", 5)

	h.client().deliver("/farm001/config", `{"pump":`)
	h.client().deliver("/farm001/command", `[1,2]`)
	h.tick(time.Millisecond)

	assert.Equal(t, 5, h.store.GetInt(config.System, "pump", 0))
	assert.Empty(t, h.dispatcher.codes)
}

func TestUnhandledTopic(t *testing.T) {
	h := newHarness(t, configured())
	var got string
	h.s.Unhandled = func(topic string, payload []byte) { got = topic + "=" + string(payload) }
	h.connect(t)
	require.NoError(t, h.s.Subscribe("/farm001/ota", 0))

	h.client().deliver("/farm001/ota", "v2")
	h.tick(time.Millisecond)
	assert.Equal(t, "/farm001/ota=v2", got)
}

func TestPublish(t *testing.T) {
	h := newHarness(t, configured())
	assert.False(t, h.s.Publish(), "not connected")

	h.connect(t)
	h.store.Set(config.Data, "temperature", 21.5)
	require.True(t, h.s.Publish())

	c := h.client()
	last := c.published[len(c.published)-1]
	assert.Equal(t, "/farm001/data", last.topic)
	assert.True(t, last.retained)
	assert.JSONEq(t, `{"temperature":21.5}`, string(last.payload))

	c.publishMsgID = 0
	assert.False(t, h.s.Publish(), "no packet id assigned")
}

func TestConnectFailure_RetriesAfterInterval(t *testing.T) {
	h := newHarness(t, configured())
	h.tick(0)
	h.tick(5 * time.Second)
	c := h.client()
	c.refuse(errors.New("connection refused"))
	h.tick(time.Millisecond)
	assert.Equal(t, Configured, h.s.State())
	assert.Equal(t, 1, c.connects)

	// check interval passed but retry interval has not
	h.tick(5 * time.Second)
	assert.Equal(t, 1, c.connects)

	h.tick(5 * time.Second)
	assert.Equal(t, 2, c.connects)
	assert.Equal(t, uint8(2), h.s.Status().Attempts)

	// attempts saturate at the maximum but retries continue
	c.refuse(errors.New("connection refused"))
	h.tick(10 * time.Second)
	assert.Equal(t, 3, c.connects)
	assert.Equal(t, uint8(2), h.s.Status().Attempts)
}

func TestNoConnectWhileLinkDown(t *testing.T) {
	h := newHarness(t, configured())
	h.link.up = false
	h.tick(0)
	h.tick(5 * time.Second)
	h.tick(10 * time.Second)
	assert.Zero(t, h.client().connects)
	assert.Equal(t, Configured, h.s.State())
}

func TestConnectionLost(t *testing.T) {
	h := newHarness(t, configured())
	h.connect(t)
	c := h.client()

	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	c.opts.OnConnectionLost(c, errors.New("eof"))
	h.tick(time.Millisecond)
	assert.Equal(t, Configured, h.s.State())

	h.tick(10 * time.Second)
	assert.Equal(t, Connecting, h.s.State())
	assert.Equal(t, 2, c.connects)
}

func TestConfigure(t *testing.T) {
	h := newHarness(t, configured())
	h.connect(t)

	assert.ErrorIs(t, h.s.Configure("", 1883, "farm001"), ErrInvalidSettings)
	assert.ErrorIs(t, h.s.Configure("broker", 0, "farm001"), ErrInvalidSettings)
	assert.ErrorIs(t, h.s.Configure("broker", 1883, " "), ErrInvalidSettings)
	assert.Equal(t, Connected, h.s.State())

	require.NoError(t, h.s.Configure("10.0.0.5", 1883, "farm001"))
	assert.Equal(t, Connected, h.s.State(), "unchanged settings keep the session")

	require.NoError(t, h.s.Configure("broker.local", 8883, "farm002"))
	assert.Equal(t, Uninitialized, h.s.State())
	assert.Equal(t, 1, h.clients[0].disconnects)
	assert.Equal(t, "broker.local", h.store.GetString(config.SessionConfig, config.KeyHost, ""))

	h.tick(time.Millisecond)
	require.Len(t, h.clients, 2)
	assert.Equal(t, "tcp://broker.local:8883", h.client().opts.Servers[0].String())
	assert.Equal(t, "/farm002/status", h.client().opts.WillTopic)
}

func TestConfigure_WhileConnectingDropsOldClient(t *testing.T) {
	h := newHarness(t, configured())
	h.tick(0)
	h.tick(5 * time.Second)
	require.Equal(t, Connecting, h.s.State())
	old := h.client()

	require.NoError(t, h.s.Configure("broker.local", 8883, "farm002"))
	assert.Equal(t, 1, old.disconnects, "in-flight connect is aborted")

	h.tick(time.Millisecond)
	require.Len(t, h.clients, 2)
	fresh := h.client()

	old.accept()
	old.opts.DefaultPublishHandler(old, &fakeMessage{topic: "/farm001/command", payload: []byte(`{"command":1}`)})
	h.tick(time.Millisecond)

	assert.NotEqual(t, Connected, h.s.State())
	assert.Empty(t, fresh.subscribed)
	assert.Empty(t, fresh.published)
	assert.Empty(t, h.dispatcher.codes)
}

func TestUnsubscribeAll(t *testing.T) {
	h := newHarness(t, configured())
	h.connect(t)
	h.s.UnsubscribeAll()
	assert.ElementsMatch(t, []string{"/farm001/config", "/farm001/command"}, h.client().unsubscribed)
}

func TestClose(t *testing.T) {
	h := newHarness(t, configured())
	h.connect(t)
	h.s.Close()
	c := h.client()
	last := c.published[len(c.published)-1]
	assert.Equal(t, "offline", string(last.payload))
	assert.Equal(t, 1, c.disconnects)
	assert.Equal(t, Uninitialized, h.s.State())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "connecting", Connecting.String())
	assert.Equal(t, "state(7)", State(7).String())
}
