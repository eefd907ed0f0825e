package discovery

import (
	"context"
	"net"
	"testing"

	"github.com/grandcat/zeroconf"
)

func TestStartAdvertiserBuildsExpectedTXTRecords(t *testing.T) {
	var (
		gotInstance string
		gotService  string
		gotDomain   string
		gotPort     int
		gotTXT      []string
	)

	cfg := Config{
		SelfDeviceID: "device-123",
		DeviceName:   "Alice Laptop",
		ServicePort:  9999,
		registerFn: func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error) {
			gotInstance = instance
			gotService = service
			gotDomain = domain
			gotPort = port
			gotTXT = append([]string(nil), text...)
			return nil, nil
		},
	}

	advertiser, err := StartAdvertiser(cfg)
	if err != nil {
		t.Fatalf("StartAdvertiser failed: %v", err)
	}
	if advertiser == nil {
		t.Fatalf("expected advertiser instance")
	}

	if gotInstance != "device-123" {
		t.Fatalf("unexpected instance name: %q", gotInstance)
	}
	if gotService != ServiceType {
		t.Fatalf("unexpected service: %q", gotService)
	}
	if gotDomain != Domain {
		t.Fatalf("unexpected domain: %q", gotDomain)
	}
	if gotPort != 9999 {
		t.Fatalf("unexpected port: %d", gotPort)
	}

	assertContainsTXT(t, gotTXT, "id=device-123")
	assertContainsTXT(t, gotTXT, "name=Alice Laptop")
	assertContainsTXT(t, gotTXT, "v=1")
}

func TestStartAdvertiserRejectsMissingFields(t *testing.T) {
	cfg := Config{
		DeviceName:  "Alice Laptop",
		ServicePort: 9999,
		registerFn: func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error) {
			return nil, nil
		},
	}
	if _, err := StartAdvertiser(cfg); err == nil {
		t.Fatalf("expected error for missing SelfDeviceID")
	}
}

func TestServiceStartAndStop(t *testing.T) {
	cfg := Config{
		SelfDeviceID: "self",
		DeviceName:   "Self",
		ServicePort:  9999,
		registerFn: func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error) {
			return nil, nil
		},
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			<-ctx.Done()
			return nil
		},
	}

	svc, err := Start(cfg)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if svc.Advertiser == nil || svc.Roster == nil {
		t.Fatalf("expected advertiser and roster")
	}
	svc.Stop()
}

func TestConfigWithDefaultsAppliesTimeouts(t *testing.T) {
	cfg := Config{}

	withDefaults := cfg.withDefaults()
	if withDefaults.RefreshInterval != DefaultRefreshInterval {
		t.Fatalf("expected default refresh interval %s, got %s", DefaultRefreshInterval, withDefaults.RefreshInterval)
	}
	if withDefaults.ScanTimeout != DefaultScanTimeout {
		t.Fatalf("expected default scan timeout %s, got %s", DefaultScanTimeout, withDefaults.ScanTimeout)
	}
}

func assertContainsTXT(t *testing.T, txt []string, expected string) {
	t.Helper()
	for _, v := range txt {
		if v == expected {
			return
		}
	}
	t.Fatalf("missing TXT record %q in %v", expected, txt)
}
