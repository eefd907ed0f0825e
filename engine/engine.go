// Package engine wires identity, storage, discovery, transport, pairing,
// the transfer engine, and history reconciliation into one process-wide
// handle. There is no hidden singleton: Init takes a data directory, a
// chosen port, and a human name, and returns a handle whose commands are
// ordinary methods. Tests are free to construct two independent handles
// in one process.
package engine

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/quic-go/quic-go"

	"proxishare/config"
	"proxishare/discovery"
	"proxishare/events"
	"proxishare/identity"
	"proxishare/pairing"
	"proxishare/reconcile"
	"proxishare/store"
	"proxishare/transfer"
	"proxishare/transport"
)

// Handle is the local device's live state: its identity, its store, and
// every running subsystem. All commands in the surface are methods on it.
type Handle struct {
	cfg     *config.DeviceConfig
	cfgPath string

	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey

	store    *store.Store
	hub      *events.Hub
	endpoint *transport.Endpoint

	pairing  *pairing.Manager
	transfer *transfer.Engine
	reconcile *reconcile.Reconciler

	discoveryMu sync.Mutex
	discovery   *discovery.Service
	lastDiscErr string

	closeOnce sync.Once
}

// Init builds every subsystem for one local device and starts listening
// for inbound connections. dataDir selects the on-disk state; port is 0
// for an OS-assigned ephemeral port or a specific fixed value; name is
// the human-readable device name advertised to peers. Discovery itself
// is not started here — call StartDiscovery once the handle is ready.
func Init(dataDir string, port int, name string) (*Handle, error) {
	if dataDir == "" {
		resolved, err := config.ResolveDataDir()
		if err != nil {
			return nil, fmt.Errorf("engine: resolve data dir: %w", err)
		}
		dataDir = resolved
	}
	if err := config.EnsureDataDirectories(dataDir); err != nil {
		return nil, fmt.Errorf("engine: ensure data directories: %w", err)
	}

	cfgPath := config.ConfigPath(dataDir)
	cfg, err := config.Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("engine: load config: %w", err)
		}
		cfg = newDefaultConfig(dataDir, name)
	}
	if name != "" {
		cfg.DeviceName = name
	}
	if port > 0 {
		cfg.PortMode = config.PortModeFixed
		cfg.ServicePort = port
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("engine: invalid config: %w", err)
	}
	if err := config.Save(cfgPath, cfg); err != nil {
		return nil, fmt.Errorf("engine: save config: %w", err)
	}

	priv, pub, err := identity.EnsureEd25519KeyPair(cfg.Ed25519PrivateKeyPath, cfg.Ed25519PublicKeyPath)
	if err != nil {
		return nil, fmt.Errorf("engine: ensure keypair: %w", err)
	}
	cert, err := identity.EnsureCertificate(priv, pub, cfg.DeviceID, cfg.CertificatePath)
	if err != nil {
		return nil, fmt.Errorf("engine: ensure certificate: %w", err)
	}
	cfg.KeyFingerprint = identity.KeyFingerprint(pub)
	if err := config.Save(cfgPath, cfg); err != nil {
		return nil, fmt.Errorf("engine: persist key fingerprint: %w", err)
	}

	st, _, err := store.Open(dataDir)
	if err != nil {
		return nil, fmt.Errorf("engine: open store: %w", err)
	}

	hub := events.NewHub()

	if cfg.SyncFolder == "" {
		cfg.SyncFolder = config.DownloadsDir(dataDir)
	}
	downloadsDir := cfg.SyncFolder

	transferEngine := transfer.NewEngine(st, hub, downloadsDir, cfg.DeviceID)
	reconciler := reconcile.New(st)

	// The pairing manager is constructed before the transport endpoint
	// exists so the endpoint's OnControl handler can close over it; the
	// endpoint is bound back once Listen succeeds.
	pairingMgr := pairing.NewManager(cfg.DeviceID, cfg.DeviceName, priv, pub, st, nil, hub)

	h := &Handle{
		cfg:        cfg,
		cfgPath:    cfgPath,
		privateKey: priv,
		publicKey:  pub,
		store:      st,
		hub:        hub,
		pairing:    pairingMgr,
		transfer:   transferEngine,
		reconcile:  reconciler,
	}

	ep, err := transport.Listen(transport.Config{
		DeviceID: cfg.DeviceID,
		Cert:     cert,
		Port:     cfg.ServicePort,
		OnControl: func(conn *transport.Conn, stream quic.Stream) {
			pairingMgr.HandleControlStream(conn, stream, reconciler.HandleControlStream)
		},
		OnTransfer:    transferEngine.HandleTransferStream,
		TrustVerifier: trustVerifierFor(st),
	})
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("engine: listen: %w", err)
	}
	pairingMgr.SetTransport(ep)
	h.endpoint = ep

	if cfg.PortMode == config.PortModeAutomatic {
		cfg.ServicePort = ep.Port()
	}

	return h, nil
}

// DeviceID is the local device's identifier.
func (h *Handle) DeviceID() string {
	return h.cfg.DeviceID
}

// DeviceName is the local device's human-readable name.
func (h *Handle) DeviceName() string {
	return h.cfg.DeviceName
}

// ServicePort is the transport's actual bound UDP port.
func (h *Handle) ServicePort() int {
	return h.endpoint.Port()
}

// KeyFingerprint is the local device's formatted public key fingerprint.
func (h *Handle) KeyFingerprint() string {
	return identity.FormatFingerprint(h.cfg.KeyFingerprint)
}

// Subscribe registers a new event listener on the handle's hub.
func (h *Handle) Subscribe() *events.Subscription {
	return h.hub.Subscribe()
}

// Close stops discovery, the transport endpoint, and the store. It is
// safe to call more than once.
func (h *Handle) Close() error {
	var err error
	h.closeOnce.Do(func() {
		h.discoveryMu.Lock()
		if h.discovery != nil {
			h.discovery.Stop()
			h.discovery = nil
		}
		h.discoveryMu.Unlock()

		if closeErr := h.endpoint.Close(); closeErr != nil {
			log.Printf("[engine] close endpoint: %v", closeErr)
		}
		err = h.store.Close()
	})
	return err
}

// trustVerifierFor adapts the store's trust table into a
// transport.TrustVerifier, so the transport layer can pin an already
// paired device_id to its recorded fingerprint without importing store
// itself.
func trustVerifierFor(st *store.Store) transport.TrustVerifier {
	return func(deviceID string) (string, bool) {
		rec, err := st.GetTrust(deviceID)
		if err != nil {
			return "", false
		}
		return rec.PeerPublicKeyFingerprint, true
	}
}

// resolveConn returns a live connection to deviceID, dialing fresh over
// whichever advertised address answers first if none is already open.
func (h *Handle) resolveConn(ctx context.Context, deviceID string) (*transport.Conn, error) {
	addr, resolvedPort, err := h.findReachableLocked(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	return h.endpoint.Dial(ctx, addr, resolvedPort, deviceID)
}

// newDefaultConfig builds a fresh DeviceConfig for a data directory that
// has never held one, mirroring config's own first-run defaults so a
// dataDir seeded by Init and one seeded by config.LoadOrCreate produce
// an equivalent shape.
func newDefaultConfig(dataDir, name string) *config.DeviceConfig {
	deviceName := name
	if deviceName == "" {
		deviceName = "ProxiShare Device"
		if host, err := os.Hostname(); err == nil && host != "" {
			deviceName = host
		}
	}

	keysDir := filepath.Join(dataDir, "keys")
	return &config.DeviceConfig{
		DeviceID:              uuid.NewString(),
		DeviceName:            deviceName,
		PortMode:              config.PortModeAutomatic,
		ServicePort:           config.DefaultServicePort,
		Ed25519PrivateKeyPath: filepath.Join(keysDir, "ed25519_private.pem"),
		Ed25519PublicKeyPath:  filepath.Join(keysDir, "ed25519_public.pem"),
		CertificatePath:       filepath.Join(keysDir, "identity_cert.pem"),
	}
}
