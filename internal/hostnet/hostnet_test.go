package hostnet

import (
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	types100 "github.com/containernetworking/cni/pkg/types/100"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func TestBuildConfList(t *testing.T) {
	data, err := buildConfList(Config{
		BridgeName: DefaultBridgeName,
		Subnet:     DefaultSubnet,
		Gateway:    DefaultGateway,
	})
	if err != nil {
		t.Fatalf("buildConfList: %v", err)
	}

	var parsed confListJSON
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("unmarshal conflist: %v", err)
	}

	if parsed.Name != networkName {
		t.Errorf("name = %q, want %q", parsed.Name, networkName)
	}
	if len(parsed.Plugins) != 2 {
		t.Fatalf("plugins count = %d, want 2", len(parsed.Plugins))
	}

	bridge := parsed.Plugins[0]
	if bridge["type"] != "bridge" {
		t.Errorf("plugin[0].type = %q, want %q", bridge["type"], "bridge")
	}
	if bridge["bridge"] != DefaultBridgeName {
		t.Errorf("plugin[0].bridge = %q, want %q", bridge["bridge"], DefaultBridgeName)
	}
	ipam, ok := bridge["ipam"].(map[string]any)
	if !ok {
		t.Fatal("plugin[0].ipam is not a map")
	}
	if ipam["subnet"] != DefaultSubnet {
		t.Errorf("ipam.subnet = %q, want %q", ipam["subnet"], DefaultSubnet)
	}

	if parsed.Plugins[1]["type"] != "tc-redirect-tap" {
		t.Errorf("plugin[1].type = %q, want %q", parsed.Plugins[1]["type"], "tc-redirect-tap")
	}
}

func TestNewAppliesDefaults(t *testing.T) {
	m, err := New(Config{CNIBinDir: t.TempDir()}, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if m.cfg.BridgeName != DefaultBridgeName {
		t.Errorf("BridgeName = %q, want default %q", m.cfg.BridgeName, DefaultBridgeName)
	}
	if m.cfg.Subnet != DefaultSubnet {
		t.Errorf("Subnet = %q, want default %q", m.cfg.Subnet, DefaultSubnet)
	}
}

func TestVerifyPluginsPresent(t *testing.T) {
	tmpDir := t.TempDir()
	for _, name := range requiredPlugins {
		if err := os.WriteFile(filepath.Join(tmpDir, name), []byte("fake"), 0o755); err != nil {
			t.Fatalf("create fake plugin %s: %v", name, err)
		}
	}

	m, err := New(Config{CNIBinDir: tmpDir}, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := m.Verify(); err != nil {
		t.Errorf("Verify with all plugins present: %v", err)
	}
}

func TestVerifyPluginsMissing(t *testing.T) {
	tmpDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(tmpDir, "bridge"), []byte("fake"), 0o755); err != nil {
		t.Fatalf("create bridge: %v", err)
	}

	m, err := New(Config{CNIBinDir: tmpDir}, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	verr := m.Verify()
	if verr == nil {
		t.Fatal("expected error when plugins are missing")
	}
	if !strings.Contains(verr.Error(), "host-local") {
		t.Errorf("error should mention 'host-local': %s", verr)
	}
	if !strings.Contains(verr.Error(), "tc-redirect-tap") {
		t.Errorf("error should mention 'tc-redirect-tap': %s", verr)
	}
}

func TestWriteConfList(t *testing.T) {
	configDir := filepath.Join(t.TempDir(), "cni-conf")

	m, err := New(Config{CNIBinDir: t.TempDir(), CNIConfigDir: configDir}, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := m.WriteConfList(); err != nil {
		t.Fatalf("WriteConfList: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(configDir, networkName+".conflist"))
	if err != nil {
		t.Fatalf("read conflist: %v", err)
	}
	var parsed confListJSON
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("unmarshal written conflist: %v", err)
	}
	if parsed.Name != networkName {
		t.Errorf("name = %q, want %q", parsed.Name, networkName)
	}
}

func fakeResult() *types100.Result {
	addr := net.IPNet{IP: net.ParseIP("10.211.0.7"), Mask: net.CIDRMask(24, 32)}
	return &types100.Result{
		CNIVersion: cniVersion,
		Interfaces: []*types100.Interface{
			{Name: vethIfName, Mac: "aa:aa:aa:aa:aa:aa", Sandbox: "/var/run/netns/kestrel-vm1"},
			{Name: "tap0", Mac: "02:11:22:33:44:55", Sandbox: "/var/run/netns/kestrel-vm1"},
		},
		IPs: []*types100.IPConfig{
			{Address: addr, Gateway: net.ParseIP(DefaultGateway)},
		},
	}
}

func TestAttachmentFromResult(t *testing.T) {
	att, err := attachmentFromResult(fakeResult(), "/var/run/netns/kestrel-vm1")
	if err != nil {
		t.Fatalf("attachmentFromResult: %v", err)
	}

	if att.TapDevice != "tap0" {
		t.Errorf("TapDevice = %q, want tap0 (the veth must be skipped)", att.TapDevice)
	}
	if att.MACAddress != "02:11:22:33:44:55" {
		t.Errorf("MACAddress = %q, want the tap's MAC", att.MACAddress)
	}
	if att.GatewayIP != DefaultGateway {
		t.Errorf("GatewayIP = %q, want %q", att.GatewayIP, DefaultGateway)
	}
	if att.GuestIP == "" {
		t.Error("GuestIP is empty")
	}
}

func TestAttachmentFromResultNoSandboxedInterface(t *testing.T) {
	res := fakeResult()
	for _, iface := range res.Interfaces {
		iface.Sandbox = ""
	}
	if _, err := attachmentFromResult(res, "/ns"); err == nil {
		t.Fatal("expected error when no interface has a sandbox")
	}
}

func TestAttachmentInterface(t *testing.T) {
	att := &Attachment{TapDevice: "tap0", MACAddress: "02:11:22:33:44:55"}
	iface := att.Interface("eth0")

	if iface.IfaceID != "eth0" {
		t.Errorf("IfaceID = %q, want eth0", iface.IfaceID)
	}
	if iface.HostDevName != "tap0" {
		t.Errorf("HostDevName = %q, want tap0", iface.HostDevName)
	}
	if iface.GuestMAC == nil || *iface.GuestMAC != att.MACAddress {
		t.Errorf("GuestMAC = %v, want %q", iface.GuestMAC, att.MACAddress)
	}
}

func TestGenerateMACDeterministic(t *testing.T) {
	a := GenerateMAC("vm-1")
	b := GenerateMAC("vm-1")
	c := GenerateMAC("vm-2")

	if a.String() != b.String() {
		t.Errorf("same vmid produced different MACs: %s vs %s", a, b)
	}
	if a.String() == c.String() {
		t.Errorf("different vmids produced the same MAC: %s", a)
	}
	if a[0]&0x02 == 0 {
		t.Error("MAC is not locally administered")
	}
	if a[0]&0x01 != 0 {
		t.Error("MAC is not unicast")
	}
}
