package configs

// NIC describes a virtual network interface to be created in the target
// process's network namespace while the outer helper still holds
// CAP_NET_ADMIN in the host namespace.
type NIC struct {
	// Name of the interface as it appears in the target namespace.
	Name string `json:"name"`

	// Type is one of "dummy", "macvlan", "ipvlan" or "veth".
	Type string `json:"type"`

	// Link is the host interface a macvlan/ipvlan hangs off.
	Link string `json:"link,omitempty"`

	// Mode selects the macvlan/ipvlan mode ("private", "bridge", "l2", ...).
	Mode string `json:"mode,omitempty"`

	// PeerName names the host-side end of a veth pair.
	PeerName string `json:"peer_name,omitempty"`

	// Address is the link-layer address, in the usual colon form.
	Address string `json:"address,omitempty"`

	MTU int `json:"mtu,omitempty"`

	// NetNSPid is the pid whose network namespace the interface is
	// created in. It is stamped by the outer helper right before
	// instantiation and is never part of the bootstrap document.
	NetNSPid int `json:"-"`
}
