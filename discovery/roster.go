package discovery

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	// DeviceUpdated is emitted when a device appears or its metadata changes.
	DeviceUpdated EventType = "device_updated"
	// DeviceRemoved is emitted when a previously seen device disappears,
	// either because mDNS stopped reporting it or the eviction sweep
	// timed it out.
	DeviceRemoved EventType = "device_removed"
)

// EventType identifies roster updates.
type EventType string

// Event carries roster updates for engine/network consumers.
type Event struct {
	Type   EventType
	Device DiscoveredDevice
}

// DiscoveredDevice is a peer seen on the LAN via mDNS.
type DiscoveredDevice struct {
	DeviceID   string
	DeviceName string
	Version    int
	HostName   string
	Port       int
	Addresses  []string
	LastSeen   time.Time
}

type refreshRequest struct {
	ctx  context.Context
	done chan error
}

// Roster maintains the live set of discovered devices, browsing mDNS on
// a fixed interval and evicting entries that have gone unseen longer
// than EvictionThreshold. Eviction here is a live-roster concern only;
// it never touches trust or transfer history.
type Roster struct {
	cfg Config

	browse browseFunc

	mu      sync.RWMutex
	devices map[string]DiscoveredDevice

	events chan Event

	startOnce sync.Once
	stopOnce  sync.Once
	startErr  error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	refreshRequests chan refreshRequest
}

// NewRoster creates a roster with config defaults applied.
func NewRoster(config Config) (*Roster, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForScan(); err != nil {
		return nil, err
	}

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, err
		}
		browse = resolver.Browse
	}

	return &Roster{
		cfg:             cfg,
		browse:          browse,
		devices:         make(map[string]DiscoveredDevice),
		events:          make(chan Event, 128),
		refreshRequests: make(chan refreshRequest),
	}, nil
}

// Start begins background browsing and eviction sweeps.
func (r *Roster) Start() error {
	r.startOnce.Do(func() {
		r.ctx, r.cancel = context.WithCancel(context.Background())
		r.wg.Add(1)
		go r.loop()
	})
	return r.startErr
}

// Stop stops background browsing.
func (r *Roster) Stop() {
	r.stopOnce.Do(func() {
		if r.cancel != nil {
			r.cancel()
		}
		r.wg.Wait()
		close(r.events)
	})
}

// Events provides asynchronous roster updates.
func (r *Roster) Events() <-chan Event {
	return r.events
}

// Refresh triggers an immediate browse and waits for it to complete.
func (r *Roster) Refresh(ctx context.Context) error {
	if r.ctx == nil {
		return errors.New("roster is not started")
	}

	req := refreshRequest{
		ctx:  ctx,
		done: make(chan error, 1),
	}

	select {
	case r.refreshRequests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-r.ctx.Done():
		return errors.New("roster is stopped")
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-r.ctx.Done():
		return errors.New("roster is stopped")
	}
}

// ListDevices returns the current in-memory roster snapshot.
func (r *Roster) ListDevices() []DiscoveredDevice {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]DiscoveredDevice, 0, len(r.devices))
	for _, dev := range r.devices {
		out = append(out, dev)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].DeviceName == out[j].DeviceName {
			return out[i].DeviceID < out[j].DeviceID
		}
		return out[i].DeviceName < out[j].DeviceName
	})
	return out
}

func (r *Roster) loop() {
	defer r.wg.Done()

	// Prime the available device list immediately.
	r.runScan(context.Background())

	refreshTicker := time.NewTicker(r.cfg.RefreshInterval)
	defer refreshTicker.Stop()

	evictionTicker := time.NewTicker(r.cfg.EvictionSweepInterval)
	defer evictionTicker.Stop()

	for {
		select {
		case <-refreshTicker.C:
			r.runScan(context.Background())
		case <-evictionTicker.C:
			r.sweepStale()
		case req := <-r.refreshRequests:
			req.done <- r.runScan(req.ctx)
		case <-r.ctx.Done():
			return
		}
	}
}

func (r *Roster) runScan(requestCtx context.Context) error {
	scanCtx, cancel := context.WithTimeout(r.ctx, r.cfg.ScanTimeout)
	defer cancel()

	if requestCtx != nil {
		go func() {
			select {
			case <-requestCtx.Done():
				cancel()
			case <-scanCtx.Done():
			}
		}()
	}

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collected := make(map[string]DiscoveredDevice)
	var collectedMu sync.Mutex
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry := <-entries:
				if entry == nil {
					continue
				}
				dev, ok := parseEntry(entry, r.cfg.SelfDeviceID)
				if !ok {
					continue
				}
				dev.LastSeen = time.Now()
				collectedMu.Lock()
				collected[dev.DeviceID] = dev
				collectedMu.Unlock()
			}
		}
	}()

	browseErr := r.browse(scanCtx, ServiceType, Domain, entries)
	if browseErr != nil && !errors.Is(browseErr, context.DeadlineExceeded) && !errors.Is(browseErr, context.Canceled) {
		return browseErr
	}

	<-scanCtx.Done()
	<-collectorDone
	collectedMu.Lock()
	next := collected
	collectedMu.Unlock()

	r.mergeScan(next)

	// A timeout just means this scan window ended naturally.
	if err := scanCtx.Err(); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// mergeScan folds a fresh browse result into the roster. Unlike a full
// snapshot replace, devices absent from this scan are left alone: mDNS
// browse windows are lossy in practice, and only the eviction sweep
// (based on LastSeen age) removes a device from the roster. Addresses
// are unioned with the prior entry rather than replaced, since a single
// browse window observing fewer interfaces than a previous one must not
// make the roster forget an address that is still valid.
func (r *Roster) mergeScan(seen map[string]DiscoveredDevice) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, dev := range seen {
		old, exists := r.devices[id]
		if exists {
			dev.Addresses = unionAddresses(old.Addresses, dev.Addresses)
		}
		r.devices[id] = dev
		if !exists || !devicesEqual(old, dev) {
			r.emitEvent(Event{Type: DeviceUpdated, Device: dev})
		}
	}
}

func unionAddresses(existing, incoming []string) []string {
	seen := make(map[string]struct{}, len(existing)+len(incoming))
	out := make([]string, 0, len(existing)+len(incoming))
	for _, addr := range existing {
		if _, ok := seen[addr]; !ok {
			seen[addr] = struct{}{}
			out = append(out, addr)
		}
	}
	for _, addr := range incoming {
		if _, ok := seen[addr]; !ok {
			seen[addr] = struct{}{}
			out = append(out, addr)
		}
	}
	return out
}

func (r *Roster) sweepStale() {
	cutoff := time.Now().Add(-r.cfg.EvictionThreshold)

	r.mu.Lock()
	var evicted []DiscoveredDevice
	for id, dev := range r.devices {
		if dev.LastSeen.Before(cutoff) {
			evicted = append(evicted, dev)
			delete(r.devices, id)
		}
	}
	r.mu.Unlock()

	for _, dev := range evicted {
		r.emitEvent(Event{Type: DeviceRemoved, Device: dev})
	}
}

func (r *Roster) emitEvent(event Event) {
	select {
	case r.events <- event:
	default:
	}
}

func parseEntry(entry *zeroconf.ServiceEntry, selfDeviceID string) (DiscoveredDevice, bool) {
	txt := txtToMap(entry.Text)

	deviceID := strings.TrimSpace(txt["id"])
	if deviceID == "" || deviceID == selfDeviceID {
		return DiscoveredDevice{}, false
	}

	version := 0
	if txt["v"] != "" {
		if parsed, err := strconv.Atoi(txt["v"]); err == nil {
			version = parsed
		}
	}

	addresses := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	seen := make(map[string]struct{})
	for _, ip := range append(entry.AddrIPv4, entry.AddrIPv6...) {
		if ip == nil {
			continue
		}
		raw := ip.String()
		if raw == "" {
			continue
		}
		if _, exists := seen[raw]; exists {
			continue
		}
		seen[raw] = struct{}{}
		addresses = append(addresses, raw)
	}
	sort.Strings(addresses)

	name := strings.TrimSpace(txt["name"])
	if name == "" {
		name = strings.TrimSpace(entry.Instance)
	}
	if name == "" {
		name = strings.TrimSpace(entry.HostName)
	}
	if name == "" {
		name = deviceID
	}

	return DiscoveredDevice{
		DeviceID:   deviceID,
		DeviceName: name,
		Version:    version,
		HostName:   entry.HostName,
		Port:       entry.Port,
		Addresses:  addresses,
	}, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(parts[1])
	}
	return out
}

func devicesEqual(a, b DiscoveredDevice) bool {
	if a.DeviceID != b.DeviceID ||
		a.DeviceName != b.DeviceName ||
		a.Version != b.Version ||
		a.HostName != b.HostName ||
		a.Port != b.Port ||
		len(a.Addresses) != len(b.Addresses) {
		return false
	}
	for i := range a.Addresses {
		if a.Addresses[i] != b.Addresses[i] {
			return false
		}
	}
	return true
}
