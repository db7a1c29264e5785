package netmon

import (
	"net"
	"strings"

	"github.com/wlynxg/anet"
)

// Interface is the subset of a host interface the classifier looks at.
type Interface struct {
	Name     string
	Up       bool
	Loopback bool
	Addrs    []net.IP
}

// Snapshot is the host's interface table at one point in time.
type Snapshot struct {
	Interfaces []Interface
}

// Prober reads the current interface table.
type Prober interface {
	Probe() (Snapshot, error)
}

// ProberFunc adapts a function to Prober.
type ProberFunc func() (Snapshot, error)

func (f ProberFunc) Probe() (Snapshot, error) { return f() }

// HostProber enumerates interfaces through anet, which keeps working on
// Android where net.Interfaces is blocked by the netlink sandbox.
type HostProber struct{}

func (HostProber) Probe() (Snapshot, error) {
	ifaces, err := anet.Interfaces()
	if err != nil {
		return Snapshot{}, err
	}

	snap := Snapshot{Interfaces: make([]Interface, 0, len(ifaces))}
	for i := range ifaces {
		iface := ifaces[i]
		entry := Interface{
			Name:     iface.Name,
			Up:       iface.Flags&net.FlagUp != 0,
			Loopback: iface.Flags&net.FlagLoopback != 0,
		}

		addrs, err := anet.InterfaceAddrsByInterface(&iface)
		if err == nil {
			for _, addr := range addrs {
				switch v := addr.(type) {
				case *net.IPNet:
					entry.Addrs = append(entry.Addrs, v.IP)
				case *net.IPAddr:
					entry.Addrs = append(entry.Addrs, v.IP)
				}
			}
		}
		snap.Interfaces = append(snap.Interfaces, entry)
	}
	return snap, nil
}

// Carrier-grade NAT range. WARP, Tailscale and some VPNs hand out addresses
// from here.
var cgnatBlock = func() *net.IPNet {
	_, block, _ := net.ParseCIDR("100.64.0.0/10")
	return block
}()

var (
	vpnPrefixes      = []string{"tun", "tap", "utun", "wg", "ppp", "ipsec", "warp", "tailscale", "zt"}
	mobilePrefixes   = []string{"rmnet", "wwan", "ccmni", "pdp", "v4-rmnet", "clat"}
	wifiPrefixes     = []string{"wlan", "wl", "wifi", "ath", "ra"}
	ethernetPrefixes = []string{"eth", "en", "em", "usb"}
	ignoredPrefixes  = []string{"docker", "veth", "br-", "virbr", "vmnet", "vboxnet", "lxc", "cni", "flannel", "dummy", "awdl", "llw", "p2p", "anpi"}
)

// Classify picks the transport of the active network from a snapshot.
// When several interfaces are usable the most specific wins: a VPN tunnel
// carries traffic over whatever is underneath, then wired beats wireless
// beats cellular.
func Classify(s Snapshot) NetworkType {
	best := TypeNone
	for _, iface := range s.Interfaces {
		if !usable(iface) {
			continue
		}
		t := classifyInterface(iface)
		if rank(t) > rank(best) {
			best = t
		}
	}
	return best
}

// ShouldForceRelay reports whether the host looks like it sits behind a VPN
// or CGNAT, where direct paths rarely work and TURN should be forced.
func ShouldForceRelay(s Snapshot) bool {
	return Classify(s) == TypeVPN
}

func usable(iface Interface) bool {
	if !iface.Up || iface.Loopback {
		return false
	}
	if hasPrefix(strings.ToLower(iface.Name), ignoredPrefixes) {
		return false
	}
	for _, ip := range iface.Addrs {
		if ip.IsGlobalUnicast() || ip.IsPrivate() {
			return true
		}
	}
	return false
}

func classifyInterface(iface Interface) NetworkType {
	name := strings.ToLower(iface.Name)
	switch {
	case hasPrefix(name, mobilePrefixes):
		return TypeMobile
	case hasPrefix(name, vpnPrefixes):
		return TypeVPN
	}

	for _, ip := range iface.Addrs {
		if cgnatBlock.Contains(ip) {
			return TypeVPN
		}
	}

	switch {
	case hasPrefix(name, wifiPrefixes):
		return TypeWiFi
	case hasPrefix(name, ethernetPrefixes):
		return TypeEthernet
	default:
		return TypeUnknown
	}
}

func rank(t NetworkType) int {
	switch t {
	case TypeVPN:
		return 5
	case TypeEthernet:
		return 4
	case TypeWiFi:
		return 3
	case TypeMobile:
		return 2
	case TypeUnknown:
		return 1
	default:
		return 0
	}
}

func hasPrefix(name string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}
