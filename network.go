package qlean

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"libvirt.org/go/libvirt"
)

const (
	// NetworkName is the libvirt network every machine attaches to.
	NetworkName = "qlean"
	// BridgeName is the host bridge backing the network. Both names are
	// fixed contracts; the subnet is operator-editable via network.xml.
	BridgeName = "qlbr0"

	bridgeConfPath    = "/etc/qemu/bridge.conf"
	networkXMLName    = "network.xml"
	qemuSystemURI     = "qemu:///system"
	defaultNetworkXML = `<network>
  <name>qlean</name>
  <forward mode='nat'/>
  <bridge name='qlbr0' stp='on' delay='0'/>
  <ip address='192.168.221.1' netmask='255.255.255.0'>
    <dhcp>
      <range start='192.168.221.2' end='192.168.221.254'/>
    </dhcp>
  </ip>
</network>
`
)

// networkController is the process-wide owner of the shared libvirt
// network. All mutation happens under its mutex; the network is started
// on first acquisition and stopped when the last handle is released, but
// only if this process started it.
type networkController struct {
	mu      sync.Mutex
	conn    *libvirt.Connect
	refs    int
	started bool
}

var netCtl networkController

// NetworkHandle is a reference-counted claim on the shared network.
// Release is idempotent and safe to call during cleanup even if the
// acquisition it belongs to partially failed.
type NetworkHandle struct {
	mu       sync.Mutex
	released bool
}

// acquireNetwork ensures the qlean network is defined and active, and
// takes a reference on it. dataDir locates the operator-editable
// network.xml; the default definition is written there on first use.
func acquireNetwork(dataDir string) (*NetworkHandle, error) {
	netCtl.mu.Lock()
	defer netCtl.mu.Unlock()

	if err := checkBridgeACL(afero.NewOsFs()); err != nil {
		return nil, err
	}

	if netCtl.conn == nil {
		conn, err := libvirt.NewConnect(qemuSystemURI)
		if err != nil {
			return nil, &NetworkError{Op: "connect", Err: err}
		}
		netCtl.conn = conn
	}

	nw, err := netCtl.conn.LookupNetworkByName(NetworkName)
	if err != nil {
		xml, err := networkXML(dataDir)
		if err != nil {
			return nil, err
		}
		nw, err = netCtl.conn.NetworkDefineXML(xml)
		if err != nil {
			return nil, &NetworkError{Op: "define", Err: err}
		}
		log.WithField("network", NetworkName).Info("defined libvirt network")
	}
	defer nw.Free()

	active, err := nw.IsActive()
	if err != nil {
		return nil, &NetworkError{Op: "query", Err: err}
	}
	if !active {
		if err := nw.Create(); err != nil {
			return nil, &NetworkError{Op: "start", Err: err}
		}
		netCtl.started = true
		log.WithFields(log.Fields{
			"network": NetworkName,
			"bridge":  BridgeName,
		}).Info("started libvirt network")
	}

	netCtl.refs++
	return &NetworkHandle{}, nil
}

// Release drops the reference. When the count reaches zero and this
// process started the network, the network is stopped. A network the
// operator started stays up.
func (h *NetworkHandle) Release() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return
	}
	h.released = true

	netCtl.mu.Lock()
	defer netCtl.mu.Unlock()
	netCtl.refs--
	if netCtl.refs > 0 {
		return
	}

	if netCtl.started {
		if nw, err := netCtl.conn.LookupNetworkByName(NetworkName); err == nil {
			if err := nw.Destroy(); err != nil {
				log.WithField("error", err).Warn("stopping libvirt network")
			}
			nw.Free()
		}
		netCtl.started = false
	}
	if netCtl.conn != nil {
		netCtl.conn.Close()
		netCtl.conn = nil
	}
}

// leaseIP looks up the guest's DHCP lease by MAC in the libvirt lease
// table. Returns a NetworkError until a lease appears.
func leaseIP(mac net.HardwareAddr) (net.IP, error) {
	netCtl.mu.Lock()
	defer netCtl.mu.Unlock()

	if netCtl.conn == nil {
		return nil, &NetworkError{Op: "lease", Err: fmt.Errorf("network not acquired")}
	}
	nw, err := netCtl.conn.LookupNetworkByName(NetworkName)
	if err != nil {
		return nil, &NetworkError{Op: "lease", Err: err}
	}
	defer nw.Free()

	leases, err := nw.GetDHCPLeases()
	if err != nil {
		return nil, &NetworkError{Op: "lease", Err: err}
	}
	want := mac.String()
	for _, l := range leases {
		if strings.EqualFold(l.Mac, want) {
			if ip := net.ParseIP(l.IPaddr); ip != nil {
				return ip, nil
			}
		}
	}
	return nil, &NetworkError{Op: "lease", Err: fmt.Errorf("no lease for %s", want)}
}

// networkXML reads the operator-editable definition from the data dir,
// writing the default there first if absent.
func networkXML(dataDir string) (string, error) {
	path := filepath.Join(dataDir, networkXMLName)
	bs, err := os.ReadFile(path)
	if err == nil {
		return string(bs), nil
	}
	if !os.IsNotExist(err) {
		return "", &NetworkError{Op: "define", Err: err}
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return "", &NetworkError{Op: "define", Err: err}
	}
	if err := os.WriteFile(path, []byte(defaultNetworkXML), 0644); err != nil {
		return "", &NetworkError{Op: "define", Err: err}
	}
	return defaultNetworkXML, nil
}

// checkBridgeACL verifies /etc/qemu/bridge.conf allows qlbr0, which
// qemu-bridge-helper requires before it will attach a tap to the bridge.
func checkBridgeACL(fs afero.Fs) error {
	f, err := fs.Open(bridgeConfPath)
	if err != nil {
		return &SetupError{
			Reason: fmt.Sprintf("%s missing; add the line %q", bridgeConfPath, "allow "+BridgeName),
		}
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) == 2 && fields[0] == "allow" && (fields[1] == BridgeName || fields[1] == "all") {
			return nil
		}
	}
	return &SetupError{
		Reason: fmt.Sprintf("%s does not allow %s; add the line %q", bridgeConfPath, BridgeName, "allow "+BridgeName),
	}
}
