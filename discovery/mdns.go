package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	// ServiceType is the mDNS service type advertised and browsed for.
	ServiceType = "_proxishare._udp"
	// Domain is the mDNS domain.
	Domain = "local."
	// ProtocolVersion is the TXT record protocol version.
	ProtocolVersion = 1
	// DefaultRefreshInterval is the background browse interval.
	DefaultRefreshInterval = 10 * time.Second
	// DefaultScanTimeout bounds each discovery browse window.
	DefaultScanTimeout = 3 * time.Second
	// EvictionThreshold is how long a device may go unseen before the
	// live roster drops it. Trust records are never affected.
	EvictionThreshold = 60 * time.Second
	// EvictionSweepInterval controls how often the roster checks for
	// stale entries.
	EvictionSweepInterval = 5 * time.Second
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config controls mDNS advertising and browsing behavior.
type Config struct {
	RefreshInterval       time.Duration
	ScanTimeout           time.Duration
	EvictionThreshold     time.Duration
	EvictionSweepInterval time.Duration

	SelfDeviceID string
	DeviceName   string
	ServicePort  int

	registerFn registerFunc
	browseFn   browseFunc
}

func (c Config) withDefaults() Config {
	out := c
	if out.RefreshInterval <= 0 {
		out.RefreshInterval = DefaultRefreshInterval
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.EvictionThreshold <= 0 {
		out.EvictionThreshold = EvictionThreshold
	}
	if out.EvictionSweepInterval <= 0 {
		out.EvictionSweepInterval = EvictionSweepInterval
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

func (c Config) validateForAdvertise() error {
	if strings.TrimSpace(c.SelfDeviceID) == "" {
		return errors.New("self device ID is required")
	}
	if strings.TrimSpace(c.DeviceName) == "" {
		return errors.New("device name is required")
	}
	if c.ServicePort <= 0 {
		return errors.New("service port must be > 0")
	}
	return nil
}

func (c Config) validateForScan() error {
	if strings.TrimSpace(c.SelfDeviceID) == "" {
		return errors.New("self device ID is required")
	}
	return nil
}

// Advertiser advertises this device's presence via mDNS.
type Advertiser struct {
	server *zeroconf.Server
}

// StartAdvertiser registers and starts mDNS advertising. Per spec §4.3,
// the service is registered with TXT keys id/name/v and an SRV port
// equal to the transport's service port. A nil interface list lets
// zeroconf enumerate every non-loopback interface.
func StartAdvertiser(config Config) (*Advertiser, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForAdvertise(); err != nil {
		return nil, err
	}

	txt := []string{
		"id=" + cfg.SelfDeviceID,
		"name=" + cfg.DeviceName,
		"v=" + strconv.Itoa(ProtocolVersion),
	}

	server, err := cfg.registerFn(cfg.SelfDeviceID, ServiceType, Domain, cfg.ServicePort, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}

	return &Advertiser{server: server}, nil
}

// Stop stops mDNS advertising.
func (a *Advertiser) Stop() {
	if a == nil || a.server == nil {
		return
	}
	a.server.Shutdown()
}

// Service coordinates mDNS advertising and roster browsing under one
// lifecycle, mirroring the shared multicast socket group of spec §4.3.
type Service struct {
	Advertiser *Advertiser
	Roster     *Roster
}

// Start starts advertising and roster browsing using one config.
func Start(config Config) (*Service, error) {
	cfg := config.withDefaults()

	advertiser, err := StartAdvertiser(cfg)
	if err != nil {
		return nil, err
	}

	roster, err := NewRoster(cfg)
	if err != nil {
		advertiser.Stop()
		return nil, err
	}
	if err := roster.Start(); err != nil {
		advertiser.Stop()
		return nil, err
	}

	return &Service{Advertiser: advertiser, Roster: roster}, nil
}

// Stop stops browsing and advertising. Restarting either independently
// does not require a process restart.
func (s *Service) Stop() {
	if s == nil {
		return
	}
	if s.Roster != nil {
		s.Roster.Stop()
	}
	if s.Advertiser != nil {
		s.Advertiser.Stop()
	}
}
