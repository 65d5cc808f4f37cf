// Package hostnet stands up host-side networking for a microVM before
// Driver.Start: a named network namespace plus a tap device wired to a
// Linux bridge via CNI. The control-plane core never calls into this
// package — it only ever consumes the tap name and MAC this package
// hands back — so callers that manage taps themselves can skip it
// entirely.
package hostnet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/containernetworking/cni/libcni"
	"github.com/containernetworking/cni/pkg/types"
	types100 "github.com/containernetworking/cni/pkg/types/100"

	"github.com/kestrelvm/kestrel/internal/catalog"
)

// Networking defaults for the microVM bridge.
const (
	// DefaultBridgeName is the Linux bridge device microVM taps attach to.
	DefaultBridgeName = "kbr0"

	// DefaultSubnet is the CIDR subnet for microVM IP allocation.
	DefaultSubnet = "10.211.0.0/24"

	// DefaultGateway is the gateway IP address on the bridge.
	DefaultGateway = "10.211.0.1"

	// networkName is the CNI network name used in the conflist.
	networkName = "kestrel-net"

	// cniVersion is the CNI spec version used in the conflist.
	cniVersion = "1.0.0"

	// vethIfName is the veth interface name inside the namespace; the
	// tap created by tc-redirect-tap sits alongside it.
	vethIfName = "eth0"

	// cniCacheDir is the directory for CNI result caching.
	cniCacheDir = "/var/lib/cni/cache"

	// netNSRunDir is the directory for network namespaces.
	netNSRunDir = "/var/run/netns"

	// netNSPrefix is the prefix for per-VM namespace names.
	netNSPrefix = "kestrel-"
)

// Required CNI plugins for microVM tap networking.
var requiredPlugins = []string{"bridge", "host-local", "tc-redirect-tap"}

// Config selects the CNI plugin directories and, optionally, overrides
// the bridge layout.
type Config struct {
	CNIBinDir    string
	CNIConfigDir string

	BridgeName string // defaults to DefaultBridgeName
	Subnet     string // defaults to DefaultSubnet
	Gateway    string // defaults to DefaultGateway
}

// Attachment is the host-side result of a Setup call: everything the
// caller needs to populate a catalog.NetworkInterface plus the guest's
// assigned addressing for its boot args.
type Attachment struct {
	// TapDevice is the tap created by tc-redirect-tap inside the namespace.
	TapDevice string

	// GuestIP is the IP assigned to the guest, in CIDR notation.
	GuestIP string

	// GatewayIP is the gateway address for the guest.
	GatewayIP string

	// MACAddress is the MAC of the guest-facing interface.
	MACAddress string

	// NamespacePath is the full path to the network namespace; pass it
	// to the jailer's NetNS field when sandboxing the VMM.
	NamespacePath string
}

// Interface converts the attachment into the wire type the Driver
// applies at PUT /network-interfaces/{id}.
func (a *Attachment) Interface(ifaceID string) catalog.NetworkInterface {
	mac := a.MACAddress
	return catalog.NetworkInterface{
		IfaceID:     ifaceID,
		HostDevName: a.TapDevice,
		GuestMAC:    &mac,
	}
}

// Manager owns the CNI configuration and tracks which namespaces it has
// created, so teardown stays idempotent.
type Manager struct {
	cfg           Config
	cniConfig     *libcni.CNIConfig
	confList      *libcni.NetworkConfigList
	confListBytes []byte
	logger        *slog.Logger

	mu         sync.Mutex
	namespaces map[string]string // vmid → namespace path
}

// New builds a Manager from cfg, generating and parsing the bridge +
// tc-redirect-tap conflist up front so a malformed layout fails here
// rather than at first Setup.
func New(cfg Config, logger *slog.Logger) (*Manager, error) {
	if cfg.BridgeName == "" {
		cfg.BridgeName = DefaultBridgeName
	}
	if cfg.Subnet == "" {
		cfg.Subnet = DefaultSubnet
	}
	if cfg.Gateway == "" {
		cfg.Gateway = DefaultGateway
	}

	confBytes, err := buildConfList(cfg)
	if err != nil {
		return nil, fmt.Errorf("generate CNI conflist: %w", err)
	}
	confList, err := libcni.ConfListFromBytes(confBytes)
	if err != nil {
		return nil, fmt.Errorf("parse CNI conflist: %w", err)
	}

	return &Manager{
		cfg:           cfg,
		cniConfig:     libcni.NewCNIConfigWithCacheDir([]string{cfg.CNIBinDir}, cniCacheDir, nil),
		confList:      confList,
		confListBytes: confBytes,
		logger:        logger,
		namespaces:    make(map[string]string),
	}, nil
}

// Setup creates a namespace for vmid and runs CNI ADD in it, returning
// the resulting tap attachment. On any failure the namespace is removed
// again before the error is returned.
func (m *Manager) Setup(ctx context.Context, vmid string) (*Attachment, error) {
	nsName := netNSPrefix + vmid
	nsPath := filepath.Join(netNSRunDir, nsName)

	if err := createNetNS(nsName); err != nil {
		return nil, fmt.Errorf("create netns %s: %w", nsName, err)
	}

	m.mu.Lock()
	m.namespaces[vmid] = nsPath
	m.mu.Unlock()

	rtConf := &libcni.RuntimeConf{
		ContainerID: vmid,
		NetNS:       nsPath,
		IfName:      vethIfName,
	}

	result, err := m.cniConfig.AddNetworkList(ctx, m.confList, rtConf)
	if err != nil {
		m.forget(vmid)
		if cleanupErr := deleteNetNS(nsName); cleanupErr != nil {
			m.logger.Warn("failed to clean up netns after CNI ADD failure",
				"vmid", vmid, "cleanup_error", cleanupErr)
		}
		return nil, fmt.Errorf("CNI ADD for %s: %w", vmid, err)
	}

	att, err := attachmentFromResult(result, nsPath)
	if err != nil {
		if delErr := m.cniConfig.DelNetworkList(ctx, m.confList, rtConf); delErr != nil {
			m.logger.Debug("cleanup CNI DEL after parse failure", "vmid", vmid, "error", delErr)
		}
		if nsErr := deleteNetNS(nsName); nsErr != nil {
			m.logger.Debug("cleanup netns after parse failure", "vmid", vmid, "error", nsErr)
		}
		m.forget(vmid)
		return nil, fmt.Errorf("parse CNI result for %s: %w", vmid, err)
	}

	m.logger.Info("network setup complete",
		"vmid", vmid,
		"tap", att.TapDevice,
		"guest_ip", att.GuestIP,
		"namespace", nsPath,
	)

	return att, nil
}

func (m *Manager) forget(vmid string) {
	m.mu.Lock()
	delete(m.namespaces, vmid)
	m.mu.Unlock()
}

// Teardown runs CNI DEL and removes the namespace for vmid. Safe to
// call multiple times — subsequent calls are no-ops.
func (m *Manager) Teardown(ctx context.Context, vmid string) error {
	m.mu.Lock()
	nsPath, exists := m.namespaces[vmid]
	if !exists {
		m.mu.Unlock()
		return nil
	}
	delete(m.namespaces, vmid)
	m.mu.Unlock()

	nsName := netNSPrefix + vmid
	rtConf := &libcni.RuntimeConf{
		ContainerID: vmid,
		NetNS:       nsPath,
		IfName:      vethIfName,
	}

	var firstErr error
	if err := m.cniConfig.DelNetworkList(ctx, m.confList, rtConf); err != nil {
		firstErr = fmt.Errorf("CNI DEL for %s: %w", vmid, err)
		m.logger.Warn("CNI DEL failed", "vmid", vmid, "error", err)
	}

	if err := deleteNetNS(nsName); err != nil {
		m.logger.Warn("netns cleanup failed", "vmid", vmid, "error", err)
		if firstErr == nil {
			firstErr = fmt.Errorf("delete netns for %s: %w", vmid, err)
		}
	}

	return firstErr
}

// TeardownAll cleans up every tracked namespace. Used at shutdown.
func (m *Manager) TeardownAll(ctx context.Context) {
	m.mu.Lock()
	vmids := make([]string, 0, len(m.namespaces))
	for vmid := range m.namespaces {
		vmids = append(vmids, vmid)
	}
	m.mu.Unlock()

	for _, vmid := range vmids {
		if err := m.Teardown(ctx, vmid); err != nil {
			m.logger.Error("teardown failed during shutdown", "vmid", vmid, "error", err)
		}
	}
}

// Verify checks that every required CNI plugin exists in the bin directory.
func (m *Manager) Verify() error {
	var missing []string
	for _, plugin := range requiredPlugins {
		_, err := os.Stat(filepath.Join(m.cfg.CNIBinDir, plugin))
		if err == nil {
			continue
		}
		if errors.Is(err, os.ErrNotExist) {
			missing = append(missing, plugin)
		} else {
			return fmt.Errorf("stat CNI plugin %s: %w", plugin, err)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing CNI plugins in %s: %s", m.cfg.CNIBinDir, strings.Join(missing, ", "))
	}
	return nil
}

// WriteConfList writes the generated conflist into the CNI config
// directory so external tooling sees the same network definition.
func (m *Manager) WriteConfList() error {
	if err := os.MkdirAll(m.cfg.CNIConfigDir, 0o755); err != nil {
		return fmt.Errorf("create CNI config dir: %w", err)
	}
	confPath := filepath.Join(m.cfg.CNIConfigDir, networkName+".conflist")
	if err := os.WriteFile(confPath, m.confListBytes, 0o644); err != nil {
		return fmt.Errorf("write conflist: %w", err)
	}
	m.logger.Info("wrote CNI conflist", "path", confPath)
	return nil
}

type confListJSON struct {
	CNIVersion string           `json:"cniVersion"`
	Name       string           `json:"name"`
	Plugins    []map[string]any `json:"plugins"`
}

// buildConfList returns the conflist JSON for bridge + tc-redirect-tap.
func buildConfList(cfg Config) ([]byte, error) {
	list := confListJSON{
		CNIVersion: cniVersion,
		Name:       networkName,
		Plugins: []map[string]any{
			{
				"type":      "bridge",
				"bridge":    cfg.BridgeName,
				"isGateway": true,
				"ipMasq":    true,
				"ipam": map[string]any{
					"type":    "host-local",
					"subnet":  cfg.Subnet,
					"gateway": cfg.Gateway,
				},
			},
			{
				"type": "tc-redirect-tap",
			},
		},
	}

	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal conflist: %w", err)
	}
	return data, nil
}

// attachmentFromResult extracts an Attachment from a CNI ADD result.
// tc-redirect-tap creates the tap inside the sandbox alongside the veth
// (vethIfName); the tap is the interface the VMM must be pointed at, so
// the veth is skipped.
func attachmentFromResult(result types.Result, nsPath string) (*Attachment, error) {
	res, err := types100.NewResultFromResult(result)
	if err != nil {
		return nil, fmt.Errorf("convert CNI result: %w", err)
	}

	att := &Attachment{NamespacePath: nsPath}

	for _, iface := range res.Interfaces {
		if iface.Sandbox != "" && iface.Name != vethIfName {
			att.TapDevice = iface.Name
			att.MACAddress = iface.Mac
			break
		}
	}
	if att.TapDevice == "" {
		for _, iface := range res.Interfaces {
			if iface.Sandbox != "" {
				att.TapDevice = iface.Name
				att.MACAddress = iface.Mac
				break
			}
		}
	}
	if att.TapDevice == "" {
		return nil, fmt.Errorf("no tap device in CNI result (no interface with sandbox set)")
	}

	if len(res.IPs) > 0 {
		att.GuestIP = res.IPs[0].Address.String()
		if res.IPs[0].Gateway != nil {
			att.GatewayIP = res.IPs[0].Gateway.String()
		}
	}
	if att.GuestIP == "" {
		return nil, fmt.Errorf("no IP address in CNI result")
	}

	return att, nil
}

// createNetNS creates a named network namespace using ip netns add.
func createNetNS(name string) error {
	if err := os.MkdirAll(netNSRunDir, 0o755); err != nil {
		return fmt.Errorf("create netns dir: %w", err)
	}
	cmd := exec.Command("ip", "netns", "add", name)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("ip netns add %s: %s: %w", name, strings.TrimSpace(string(output)), err)
	}
	return nil
}

// deleteNetNS removes a named network namespace. Returns nil if the
// namespace does not exist.
func deleteNetNS(name string) error {
	nsPath := filepath.Join(netNSRunDir, name)
	if _, err := os.Stat(nsPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat netns %s: %w", name, err)
	}
	cmd := exec.Command("ip", "netns", "delete", name)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("ip netns delete %s: %s: %w", name, strings.TrimSpace(string(output)), err)
	}
	return nil
}

// GenerateMAC creates a locally-administered unicast MAC address from
// the vmid, deterministic across runs so a rebooted guest keeps its
// address.
func GenerateMAC(vmid string) net.HardwareAddr {
	mac := make(net.HardwareAddr, 6)
	mac[0] = 0x02

	hash := uint32(0)
	for _, b := range []byte(vmid) {
		hash = hash*31 + uint32(b)
	}
	mac[1] = byte(hash >> 24)
	mac[2] = byte(hash >> 16)
	mac[3] = byte(hash >> 8)
	mac[4] = byte(hash)
	mac[5] = byte(hash >> 12)

	return mac
}
