package wifi

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/enbility/zeroconf/v3"
)

const mdnsDomain = "local."

type registerFunc func(instance, service, domain string, port int, txt []string) (shutdowner, error)

type shutdowner interface {
	Shutdown()
}

// MDNSAnnouncer advertises the node as a DNS-SD service.
type MDNSAnnouncer struct {
	service  string
	port     int
	txt      []string
	logger   *slog.Logger
	register registerFunc

	mu     sync.Mutex
	server shutdowner
}

// NewMDNSAnnouncer advertises service (e.g. "_farmnode._tcp") on port with
// the given TXT records.
func NewMDNSAnnouncer(service string, port int, txt []string, logger *slog.Logger) *MDNSAnnouncer {
	return &MDNSAnnouncer{
		service: service,
		port:    port,
		txt:     txt,
		logger:  logger.With("component", "mdns"),
		register: func(instance, service, domain string, port int, txt []string) (shutdowner, error) {
			return zeroconf.Register(instance, service, domain, port, txt, nil)
		},
	}
}

// Announce registers the service under instance. Announcing while already
// registered is a no-op.
func (a *MDNSAnnouncer) Announce(instance string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.server != nil {
		return nil
	}
	txt := append([]string{"id=" + instance}, a.txt...)
	server, err := a.register(instance, a.service, mdnsDomain, a.port, txt)
	if err != nil {
		return fmt.Errorf("register %s.%s: %w", instance, a.service, err)
	}
	a.server = server
	a.logger.Info("service announced", "instance", instance, "service", a.service, "port", a.port)
	return nil
}

func (a *MDNSAnnouncer) Withdraw() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.server == nil {
		return
	}
	a.server.Shutdown()
	a.server = nil
	a.logger.Info("service withdrawn", "service", a.service)
}
