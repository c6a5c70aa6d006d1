package libsandbox

import (
	"fmt"
	"net"

	"github.com/sirupsen/logrus"
	"github.com/vishvananda/netlink"

	"github.com/nsbox-dev/nsbox/libsandbox/configs"
)

// nicStrategies maps a NIC type to the builder for its netlink link.
var nicStrategies = map[string]func(*configs.NIC) (netlink.Link, error){
	"dummy":   createDummy,
	"macvlan": createMacvlan,
	"ipvlan":  createIPVlan,
	"veth":    createVeth,
}

// createNIC instantiates one virtual interface directly inside the
// network namespace of nic.NetNSPid. The caller must hold CAP_NET_ADMIN
// in the owning user namespace; creation goes through a single
// RTM_NEWLINK request with the target netns attached, so the interface
// never exists in the host namespace.
func createNIC(nic *configs.NIC) error {
	strategy, ok := nicStrategies[nic.Type]
	if !ok {
		return fmt.Errorf("create nic %s: unknown type %q", nic.Name, nic.Type)
	}
	link, err := strategy(nic)
	if err != nil {
		return fmt.Errorf("create nic %s: %w", nic.Name, err)
	}
	logrus.Debugf("creating %s interface %s in netns of pid %d", nic.Type, nic.Name, nic.NetNSPid)
	if err := netlink.LinkAdd(link); err != nil {
		return fmt.Errorf("create nic %s: %w", nic.Name, err)
	}
	return nil
}

func linkAttrs(nic *configs.NIC) (netlink.LinkAttrs, error) {
	attrs := netlink.NewLinkAttrs()
	attrs.Name = nic.Name
	attrs.MTU = nic.MTU
	attrs.Namespace = netlink.NsPid(nic.NetNSPid)
	if nic.Address != "" {
		hwaddr, err := net.ParseMAC(nic.Address)
		if err != nil {
			return attrs, fmt.Errorf("parse address %q: %w", nic.Address, err)
		}
		attrs.HardwareAddr = hwaddr
	}
	return attrs, nil
}

func createDummy(nic *configs.NIC) (netlink.Link, error) {
	attrs, err := linkAttrs(nic)
	if err != nil {
		return nil, err
	}
	return &netlink.Dummy{LinkAttrs: attrs}, nil
}

func parentIndex(name string) (int, error) {
	if name == "" {
		return 0, fmt.Errorf("no host link given")
	}
	link, err := netlink.LinkByName(name)
	if err != nil {
		return 0, fmt.Errorf("host link %s: %w", name, err)
	}
	return link.Attrs().Index, nil
}

func createMacvlan(nic *configs.NIC) (netlink.Link, error) {
	attrs, err := linkAttrs(nic)
	if err != nil {
		return nil, err
	}
	if attrs.ParentIndex, err = parentIndex(nic.Link); err != nil {
		return nil, err
	}
	mode := netlink.MACVLAN_MODE_PRIVATE
	switch nic.Mode {
	case "", "private":
	case "vepa":
		mode = netlink.MACVLAN_MODE_VEPA
	case "bridge":
		mode = netlink.MACVLAN_MODE_BRIDGE
	case "passthru":
		mode = netlink.MACVLAN_MODE_PASSTHRU
	default:
		return nil, fmt.Errorf("unknown macvlan mode %q", nic.Mode)
	}
	return &netlink.Macvlan{LinkAttrs: attrs, Mode: mode}, nil
}

func createIPVlan(nic *configs.NIC) (netlink.Link, error) {
	attrs, err := linkAttrs(nic)
	if err != nil {
		return nil, err
	}
	if attrs.ParentIndex, err = parentIndex(nic.Link); err != nil {
		return nil, err
	}
	mode := netlink.IPVLAN_MODE_L2
	switch nic.Mode {
	case "", "l2":
	case "l3":
		mode = netlink.IPVLAN_MODE_L3
	case "l3s":
		mode = netlink.IPVLAN_MODE_L3S
	default:
		return nil, fmt.Errorf("unknown ipvlan mode %q", nic.Mode)
	}
	return &netlink.IPVlan{LinkAttrs: attrs, Mode: mode}, nil
}

func createVeth(nic *configs.NIC) (netlink.Link, error) {
	attrs, err := linkAttrs(nic)
	if err != nil {
		return nil, err
	}
	peer := nic.PeerName
	if peer == "" {
		peer = nic.Name + "0"
	}
	// The peer end stays in the host namespace so it can be bridged or
	// addressed after setup.
	return &netlink.Veth{LinkAttrs: attrs, PeerName: peer}, nil
}
