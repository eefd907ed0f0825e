package discovery

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
)

func TestRosterFiltersSelfAndManualRefresh(t *testing.T) {
	var browseCalls int32
	cfg := Config{
		SelfDeviceID:    "self-device",
		RefreshInterval: time.Hour,
		ScanTimeout:     35 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			call := atomic.AddInt32(&browseCalls, 1)
			entries <- testServiceEntry("self-device", "Self", 9999, "10.0.0.1")
			entries <- testServiceEntry("peer-1", "Bob", 9998, "10.0.0.2")
			if call >= 2 {
				entries <- testServiceEntry("peer-2", "Carol", 9997, "10.0.0.3")
			}
			<-ctx.Done()
			return nil
		},
	}

	roster, err := NewRoster(cfg)
	if err != nil {
		t.Fatalf("NewRoster failed: %v", err)
	}
	if err := roster.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer roster.Stop()

	waitForCondition(t, time.Second, func() bool {
		devices := roster.ListDevices()
		return len(devices) == 1 && devices[0].DeviceID == "peer-1"
	})

	if err := roster.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	waitForCondition(t, time.Second, func() bool {
		devices := roster.ListDevices()
		return len(devices) == 2
	})
}

func TestRosterEvictsStaleDevices(t *testing.T) {
	var browseCalls int32
	cfg := Config{
		SelfDeviceID:          "self-device",
		RefreshInterval:       time.Hour,
		ScanTimeout:           15 * time.Millisecond,
		EvictionThreshold:     60 * time.Millisecond,
		EvictionSweepInterval: 10 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			if atomic.AddInt32(&browseCalls, 1) == 1 {
				entries <- testServiceEntry("peer-1", "Bob", 9998, "10.0.0.2")
			}
			<-ctx.Done()
			return nil
		},
	}

	roster, err := NewRoster(cfg)
	if err != nil {
		t.Fatalf("NewRoster failed: %v", err)
	}
	if err := roster.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer roster.Stop()

	waitForCondition(t, time.Second, func() bool {
		devices := roster.ListDevices()
		return len(devices) == 1 && devices[0].DeviceID == "peer-1"
	})

	if !waitForEvent(roster.Events(), DeviceRemoved, "peer-1", 2*time.Second) {
		t.Fatalf("expected eviction event for peer-1")
	}

	waitForCondition(t, time.Second, func() bool {
		return len(roster.ListDevices()) == 0
	})
}

func TestRosterRefreshIgnoresDeadlineExceededFromBrowse(t *testing.T) {
	cfg := Config{
		SelfDeviceID:    "self-device",
		RefreshInterval: time.Hour,
		ScanTimeout:     35 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			entries <- testServiceEntry("peer-1", "Bob", 9998, "10.0.0.2")
			<-ctx.Done()
			return ctx.Err()
		},
	}

	roster, err := NewRoster(cfg)
	if err != nil {
		t.Fatalf("NewRoster failed: %v", err)
	}
	if err := roster.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer roster.Stop()

	if err := roster.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	waitForCondition(t, time.Second, func() bool {
		devices := roster.ListDevices()
		return len(devices) == 1 && devices[0].DeviceID == "peer-1"
	})
}

func testServiceEntry(deviceID, name string, port int, ip string) *zeroconf.ServiceEntry {
	return &zeroconf.ServiceEntry{
		ServiceRecord: zeroconf.ServiceRecord{
			Instance: deviceID,
			Service:  ServiceType,
			Domain:   Domain,
		},
		HostName: name + ".local",
		Port:     port,
		Text: []string{
			"id=" + deviceID,
			"name=" + name,
			"v=1",
		},
		AddrIPv4: []net.IP{net.ParseIP(ip)},
	}
}

func waitForCondition(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met before timeout %s", timeout)
}

func waitForEvent(events <-chan Event, eventType EventType, deviceID string, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		select {
		case event, ok := <-events:
			if !ok {
				return false
			}
			if event.Type == eventType && event.Device.DeviceID == deviceID {
				return true
			}
		case <-deadline:
			return false
		}
	}
}
