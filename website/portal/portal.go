// Package portal is the setup website served on the node's own access
// point when no known wireless network is reachable. It collects network
// credentials and broker settings.
package portal

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/alexedwards/scs/v2"
	"github.com/alexedwards/scs/v2/memstore"
	"github.com/go-playground/form/v4"
)

const (
	apTimeout   = 30 * time.Second
	joinTimeout = 45 * time.Second
)

// AccessPoint raises and lowers the node's hotspot.
type AccessPoint interface {
	Up(ctx context.Context, ssid, password string) error
	Down(ctx context.Context) error
}

// Joiner connects the node to a wireless network and saves it.
type Joiner interface {
	Join(ctx context.Context, ssid, password string) error
}

// BrokerSettings are the broker fields of the settings form.
type BrokerSettings struct {
	Host     string
	Port     int
	DeviceID string
}

type Config struct {
	Addr string
	// AdminPasswordHash is a bcrypt hash. When set, settings can only be
	// changed after logging in.
	AdminPasswordHash string
	SessionLifetime   time.Duration
}

type submission struct {
	ssid     string
	password string
	broker   BrokerSettings
}

type joinResult struct {
	gen  uint64
	ssid string
	err  error
}

// Portal serves the setup website. Start, Process, Stop and Active are
// called from the main loop; submissions received over HTTP are queued and
// applied by Process.
type Portal struct {
	cfg            Config
	ap             AccessPoint
	joiner         Joiner
	logger         *slog.Logger
	templateCache  map[string]*template.Template
	formDecoder    *form.Decoder
	sessionManager *scs.SessionManager

	// OnBrokerSettings applies broker settings from a submitted form.
	OnBrokerSettings func(BrokerSettings) error
	// Current fills the form with the settings in use.
	Current func() BrokerSettings
	// Status is shown on the settings page.
	Status func() map[string]string

	submissions chan submission
	joins       chan joinResult

	mu         sync.Mutex
	srv        *http.Server
	active     bool
	joining    bool
	// gen counts starts; join results from an earlier start are ignored
	gen        uint64
	apRaised   bool
	apName     string
	apPassword string
}

// New creates a portal. A nil session store keeps sessions in memory.
func New(cfg Config, store scs.Store, ap AccessPoint, joiner Joiner, logger *slog.Logger) (*Portal, error) {
	templateCache, err := newTemplateCache()
	if err != nil {
		return nil, err
	}

	sessionManager := scs.New()
	if store == nil {
		store = memstore.New()
	}
	sessionManager.Store = store
	sessionManager.Lifetime = cfg.SessionLifetime
	if sessionManager.Lifetime <= 0 {
		sessionManager.Lifetime = time.Hour
	}
	// the access point serves plain HTTP
	sessionManager.Cookie.Secure = false

	return &Portal{
		cfg:            cfg,
		ap:             ap,
		joiner:         joiner,
		logger:         logger.With("component", "portal"),
		templateCache:  templateCache,
		formDecoder:    form.NewDecoder(),
		sessionManager: sessionManager,
		submissions:    make(chan submission, 4),
		joins:          make(chan joinResult, 4),
	}, nil
}

// Start raises the access point and serves the website.
func (p *Portal) Start(apName, apPassword string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active {
		return nil
	}

	ln, err := net.Listen("tcp", p.cfg.Addr)
	if err != nil {
		return fmt.Errorf("portal listen %s: %w", p.cfg.Addr, err)
	}
	srv := &http.Server{
		Handler:      p.routes(),
		ErrorLog:     slog.NewLogLogger(p.logger.Handler(), slog.LevelError),
		IdleTimeout:  time.Minute,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			p.logger.Error("portal server stopped", "error", err)
		}
	}()

	p.srv = srv
	p.active = true
	p.gen++
	p.joining = false
	p.dropJoins()
	p.apName, p.apPassword = apName, apPassword
	p.logger.Info("portal started", "addr", ln.Addr().String(), "ap", apName)
	p.raiseAP()
	return nil
}

// dropJoins must be called with p.mu held.
func (p *Portal) dropJoins() {
	for {
		select {
		case res := <-p.joins:
			p.logger.Debug("dropping join result from previous start", "ssid", res.ssid)
		default:
			return
		}
	}
}

// raiseAP must be called with p.mu held.
func (p *Portal) raiseAP() {
	name, password := p.apName, p.apPassword
	p.apRaised = true
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), apTimeout)
		defer cancel()
		if err := p.ap.Up(ctx, name, password); err != nil {
			p.logger.Error("failed to raise access point", "ap", name, "error", err)
		}
	}()
}

// Process applies queued submissions and join results. It never blocks.
func (p *Portal) Process() {
	for {
		select {
		case sub := <-p.submissions:
			p.apply(sub)
		case res := <-p.joins:
			p.joined(res)
		default:
			return
		}
	}
}

func (p *Portal) apply(sub submission) {
	if p.OnBrokerSettings != nil {
		if err := p.OnBrokerSettings(sub.broker); err != nil {
			p.logger.Error("broker settings rejected", "error", err)
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.joining {
		p.logger.Warn("join already in progress, ignoring network", "ssid", sub.ssid)
		return
	}
	p.joining = true
	p.apRaised = false
	gen := p.gen
	p.logger.Info("joining network", "ssid", sub.ssid)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), joinTimeout)
		defer cancel()
		if err := p.ap.Down(ctx); err != nil {
			p.logger.Debug("lowering access point", "error", err)
		}
		p.joins <- joinResult{gen: gen, ssid: sub.ssid, err: p.joiner.Join(ctx, sub.ssid, sub.password)}
	}()
}

func (p *Portal) joined(res joinResult) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if res.gen != p.gen {
		p.logger.Debug("ignoring join result from previous start", "ssid", res.ssid)
		return
	}
	p.joining = false
	if res.err != nil {
		p.logger.Warn("failed to join network", "ssid", res.ssid, "error", res.err)
		if p.active {
			p.raiseAP()
		}
		return
	}
	p.logger.Info("joined network", "ssid", res.ssid)
}

// Stop shuts the website down and lowers the access point.
func (p *Portal) Stop() error {
	p.mu.Lock()
	if !p.active {
		p.mu.Unlock()
		return nil
	}
	srv := p.srv
	lower := p.apRaised
	p.active = false
	p.apRaised = false
	p.joining = false
	p.srv = nil
	p.mu.Unlock()

	var errs []error
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("portal shutdown: %w", err))
	}
	if lower {
		apCtx, apCancel := context.WithTimeout(context.Background(), apTimeout)
		defer apCancel()
		if err := p.ap.Down(apCtx); err != nil {
			errs = append(errs, err)
		}
	}
	p.logger.Info("portal stopped")
	return errors.Join(errs...)
}

func (p *Portal) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}
