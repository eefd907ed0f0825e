package engine

import (
	"context"
	"fmt"

	"proxishare/discovery"
	"proxishare/events"
	"proxishare/models"
	"proxishare/probe"
	"proxishare/store"
)

// StartDiscovery begins advertising this device over mDNS and browsing
// for peers. It is idempotent: calling it while discovery is already
// running is a no-op.
func (h *Handle) StartDiscovery() error {
	h.discoveryMu.Lock()
	defer h.discoveryMu.Unlock()

	if h.discovery != nil {
		return nil
	}

	svc, err := discovery.Start(discovery.Config{
		SelfDeviceID: h.cfg.DeviceID,
		DeviceName:   h.cfg.DeviceName,
		ServicePort:  h.endpoint.Port(),
	})
	if err != nil {
		h.lastDiscErr = err.Error()
		return fmt.Errorf("engine: start discovery: %w", err)
	}
	h.discovery = svc
	go h.pumpDiscoveryEvents(svc)

	return nil
}

// StopDiscovery stops mDNS advertising and browsing without touching
// trust or transfer state.
func (h *Handle) StopDiscovery() {
	h.discoveryMu.Lock()
	defer h.discoveryMu.Unlock()
	if h.discovery == nil {
		return
	}
	h.discovery.Stop()
	h.discovery = nil
}

func (h *Handle) pumpDiscoveryEvents(svc *discovery.Service) {
	for evt := range svc.Roster.Events() {
		trusted, _ := h.store.IsTrusted(evt.Device.DeviceID)
		_ = h.store.UpsertDevice(store.DeviceRecord{
			DeviceID:    evt.Device.DeviceID,
			Name:        evt.Device.DeviceName,
			Addresses:   evt.Device.Addresses,
			ServicePort: evt.Device.Port,
			LastSeen:    evt.Device.LastSeen.Unix(),
		})
		h.hub.Publish(events.DeviceUpdated, models.DeviceInfo{
			DeviceID:    evt.Device.DeviceID,
			DeviceName:  evt.Device.DeviceName,
			Addresses:   evt.Device.Addresses,
			ServicePort: evt.Device.Port,
			LastSeen:    evt.Device.LastSeen.Unix(),
			Trusted:     trusted,
		})
	}
}

// GetDiscoveredDevices returns the current merged view of live roster
// entries and their persisted trust status.
func (h *Handle) GetDiscoveredDevices() ([]models.DeviceInfo, error) {
	h.discoveryMu.Lock()
	svc := h.discovery
	h.discoveryMu.Unlock()

	if svc == nil {
		return h.knownDevicesFromStore()
	}

	live := svc.Roster.ListDevices()
	out := make([]models.DeviceInfo, 0, len(live))
	for _, dev := range live {
		trusted, err := h.store.IsTrusted(dev.DeviceID)
		if err != nil {
			return nil, fmt.Errorf("engine: check trust for %s: %w", dev.DeviceID, err)
		}
		out = append(out, models.DeviceInfo{
			DeviceID:    dev.DeviceID,
			DeviceName:  dev.DeviceName,
			Addresses:   dev.Addresses,
			ServicePort: dev.Port,
			LastSeen:    dev.LastSeen.Unix(),
			Trusted:     trusted,
		})
	}
	return out, nil
}

func (h *Handle) knownDevicesFromStore() ([]models.DeviceInfo, error) {
	recs, err := h.store.ListDevices()
	if err != nil {
		return nil, fmt.Errorf("engine: list known devices: %w", err)
	}
	out := make([]models.DeviceInfo, 0, len(recs))
	for _, rec := range recs {
		trusted, err := h.store.IsTrusted(rec.DeviceID)
		if err != nil {
			return nil, fmt.Errorf("engine: check trust for %s: %w", rec.DeviceID, err)
		}
		out = append(out, models.DeviceInfo{
			DeviceID:    rec.DeviceID,
			DeviceName:  rec.Name,
			Addresses:   rec.Addresses,
			ServicePort: rec.ServicePort,
			LastSeen:    rec.LastSeen,
			Trusted:     trusted,
		})
	}
	return out, nil
}

// IsDeviceTrusted reports whether deviceID has completed pairing.
func (h *Handle) IsDeviceTrusted(deviceID string) (bool, error) {
	return h.store.IsTrusted(deviceID)
}

// deviceAddresses returns the known advertised addresses and port for
// deviceID, preferring the live roster over the persisted device table.
func (h *Handle) deviceAddresses(deviceID string) ([]string, int, error) {
	h.discoveryMu.Lock()
	svc := h.discovery
	h.discoveryMu.Unlock()

	if svc != nil {
		for _, dev := range svc.Roster.ListDevices() {
			if dev.DeviceID == deviceID {
				return dev.Addresses, dev.Port, nil
			}
		}
	}

	rec, err := h.store.GetDevice(deviceID)
	if err != nil {
		return nil, 0, fmt.Errorf("engine: device %s not known: %w", deviceID, err)
	}
	return rec.Addresses, rec.ServicePort, nil
}

func (h *Handle) findReachableLocked(ctx context.Context, deviceID string) (string, int, error) {
	addresses, port, err := h.deviceAddresses(deviceID)
	if err != nil {
		return "", 0, err
	}
	if len(addresses) == 0 || port == 0 {
		return "", 0, fmt.Errorf("engine: no known address for device %s", deviceID)
	}

	addr := probe.FindReachable(ctx, addresses, port, probe.DefaultTimeout, h.endpoint.Certificate())
	if addr == "" {
		return "", 0, fmt.Errorf("engine: device %s unreachable at any known address", deviceID)
	}
	return addr, port, nil
}

// TestDeviceConnectivity probes every known address for deviceID and
// reports whether at least one answered.
func (h *Handle) TestDeviceConnectivity(ctx context.Context, deviceID string) (bool, error) {
	addresses, port, err := h.deviceAddresses(deviceID)
	if err != nil {
		return false, err
	}
	if len(addresses) == 0 || port == 0 {
		return false, nil
	}
	return probe.FindReachable(ctx, addresses, port, probe.DefaultTimeout, h.endpoint.Certificate()) != "", nil
}

// FindReachableDeviceIP returns the first advertised address for
// deviceID that answers a connectivity probe.
func (h *Handle) FindReachableDeviceIP(ctx context.Context, deviceID string) (string, error) {
	addr, _, err := h.findReachableLocked(ctx, deviceID)
	if err != nil {
		return "", err
	}
	return addr, nil
}

// GetNetworkDiagnostics reports a snapshot of local network state.
func (h *Handle) GetNetworkDiagnostics() (models.DiagnosticsInfo, error) {
	knownDevices, err := h.store.ListDevices()
	if err != nil {
		return models.DiagnosticsInfo{}, fmt.Errorf("engine: list devices: %w", err)
	}
	trusted, err := h.store.ListTrusted()
	if err != nil {
		return models.DiagnosticsInfo{}, fmt.Errorf("engine: list trusted: %w", err)
	}

	h.discoveryMu.Lock()
	running := h.discovery != nil
	lastErr := h.lastDiscErr
	h.discoveryMu.Unlock()

	return models.DiagnosticsInfo{
		DeviceID:         h.cfg.DeviceID,
		ServicePort:      h.endpoint.Port(),
		DiscoveryRunning: running,
		KnownDeviceCount: len(knownDevices),
		TrustedPeerCount: len(trusted),
		ActiveTransfers:  h.transfer.ActiveTransferCount(),
		LastDiscoveryErr: lastErr,
	}, nil
}
