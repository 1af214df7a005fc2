package mqtt

import (
	"errors"
	"fmt"

	paho "github.com/eclipse/paho.mqtt.golang"

	"furitingoasis/farmnode/config"
)

type eventKind int

const (
	evConnected eventKind = iota
	evLost
	evMessage
)

// event carries the client that raised it so events from a replaced
// client can be dropped.
type event struct {
	client  paho.Client
	kind    eventKind
	topic   string
	payload []byte
	err     error
}

// enqueue runs on paho's goroutines and must not block.
func (s *Session) enqueue(ev event) {
	select {
	case s.events <- ev:
	default:
		s.logger.Warn("event queue full, dropping", "kind", ev.kind, "topic", ev.topic)
	}
}

func (s *Session) onMessage(c paho.Client, msg paho.Message) {
	payload := append([]byte(nil), msg.Payload()...)
	s.enqueue(event{client: c, kind: evMessage, topic: msg.Topic(), payload: payload})
}

func (s *Session) drain() {
	for {
		select {
		case ev := <-s.events:
			s.mu.Lock()
			current := s.client
			s.mu.Unlock()
			if ev.client != current {
				s.logger.Debug("dropping event from replaced client", "kind", ev.kind, "topic", ev.topic)
				continue
			}
			switch ev.kind {
			case evConnected:
				s.onConnected()
			case evLost:
				s.connectionLost(ev.err)
			case evMessage:
				s.HandleMessage(ev.topic, ev.payload)
			}
		default:
			return
		}
	}
}

// HandleMessage routes an inbound message by topic. Payloads on the config
// topic are merged into the System document; payloads on the command topic
// are merged into the Command document and the resulting command code is
// dispatched.
func (s *Session) HandleMessage(topic string, payload []byte) {
	s.logger.Debug("message received", "topic", topic, "bytes", len(payload))
	switch topic {
	case s.Topic(ConfigSuffix):
		if err := s.mergeAndSave(config.System, payload); err != nil {
			s.logger.Error("config update rejected", "topic", topic, "error", err)
			return
		}
		s.logger.Info("system config updated", "topic", topic)

	case s.Topic(CommandSuffix):
		if err := s.mergeAndSave(config.Command, payload); err != nil {
			s.logger.Error("command rejected", "topic", topic, "error", err)
			return
		}
		code := s.store.GetInt(config.Command, "command", -1)
		if code < 0 {
			s.logger.Warn("command document has no command code", "topic", topic)
			return
		}
		if s.dispatcher == nil {
			s.logger.Warn("no dispatcher, ignoring command", "code", code)
			return
		}
		if err := s.dispatcher.Dispatch(code); err != nil {
			s.logger.Warn("command failed", "code", code, "error", err)
		}

	default:
		if s.Unhandled != nil {
			s.Unhandled(topic, payload)
			return
		}
		s.logger.Debug("ignoring message on unrouted topic", "topic", topic)
	}
}

func (s *Session) mergeAndSave(cat config.Category, payload []byte) error {
	if err := s.store.MergeJSON(cat, payload); err != nil {
		return err
	}
	if err := s.store.Save(cat); err != nil {
		// the merge is kept in memory
		s.logger.Error("failed to persist document", "category", cat, "error", err)
	}
	return nil
}

// Publish sends the Data document to the data topic. It reports whether
// the client accepted the message for delivery.
func (s *Session) Publish() bool {
	if s.State() != Connected {
		s.logger.Warn("publish skipped", "error", ErrNotConnected)
		return false
	}
	body, err := s.store.JSON(config.Data)
	if err != nil {
		s.logger.Error("failed to encode data document", "error", err)
		return false
	}
	return s.publish(s.Topic(DataSuffix), body, s.cfg.QoS, s.cfg.Retained)
}

func (s *Session) publish(topic string, payload []byte, qos byte, retained bool) bool {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client == nil {
		return false
	}

	token := client.Publish(topic, qos, retained, payload)
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			s.logger.Error("publish failed", "topic", topic, "error", err)
			return false
		}
	default:
	}
	if qos > 0 {
		if pt, ok := token.(interface{ MessageID() uint16 }); ok && pt.MessageID() == 0 {
			s.logger.Error("publish not accepted", "topic", topic)
			return false
		}
	}

	go func() {
		if token.Wait() && token.Error() != nil {
			s.logger.Error("publish delivery failed", "topic", topic, "error", token.Error())
		}
	}()
	s.logger.Debug("published", "topic", topic, "bytes", len(payload))
	return true
}

// Subscribe adds an extra topic. It is re-subscribed after every connect;
// messages on it go to Unhandled.
func (s *Session) Subscribe(topic string, qos byte) error {
	s.mu.Lock()
	s.extra[topic] = qos
	s.mu.Unlock()
	if s.State() != Connected {
		return nil
	}
	return s.subscribe(map[string]byte{topic: qos})
}

// Unsubscribe drops an extra topic.
func (s *Session) Unsubscribe(topic string) error {
	s.mu.Lock()
	delete(s.extra, topic)
	s.mu.Unlock()
	return s.unsubscribe(topic)
}

// SubscribeAll subscribes to the config and command topics plus any extra
// topics.
func (s *Session) SubscribeAll() {
	filters := map[string]byte{
		s.Topic(ConfigSuffix):  SubscribeQoS,
		s.Topic(CommandSuffix): SubscribeQoS,
	}
	s.mu.Lock()
	for t, q := range s.extra {
		filters[t] = q
	}
	s.mu.Unlock()
	if err := s.subscribe(filters); err != nil {
		s.logger.Error("subscribe failed", "error", err)
	}
}

// UnsubscribeAll drops the config and command topics.
func (s *Session) UnsubscribeAll() {
	if err := s.unsubscribe(s.Topic(ConfigSuffix), s.Topic(CommandSuffix)); err != nil {
		s.logger.Error("unsubscribe failed", "error", err)
	}
}

func (s *Session) subscribe(filters map[string]byte) error {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client == nil {
		return ErrNotConnected
	}
	var errs []error
	for topic, qos := range filters {
		token := client.Subscribe(topic, qos, s.onMessage)
		select {
		case <-token.Done():
			if err := token.Error(); err != nil {
				errs = append(errs, fmt.Errorf("subscribe %s: %w", topic, err))
				continue
			}
		default:
		}
		s.logger.Info("subscribed", "topic", topic, "qos", qos)
	}
	return errors.Join(errs...)
}

func (s *Session) unsubscribe(topics ...string) error {
	s.mu.Lock()
	client := s.client
	connected := s.state == Connected
	s.mu.Unlock()
	if client == nil || !connected {
		return nil
	}
	token := client.Unsubscribe(topics...)
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("unsubscribe: %w", err)
		}
	default:
	}
	s.logger.Info("unsubscribed", "topics", topics)
	return nil
}
