package netaddress

import (
	"net"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// onionSuffix is the host suffix of a Tor hidden service identity.
const onionSuffix = ".onion"

// ipv6Slot is an IP in its 16-byte representation. All IPv4 addresses can be
// represented as IPv6, which keeps map keys canonical across notations.
type ipv6Slot [net.IPv6len]byte

// Address is the network identity of a remote peer: either an IP endpoint or
// a Tor onion service. Exactly one of IP and onionHost is set.
type Address struct {
	ip        net.IP
	onionHost string
	port      uint16
}

// FromIP returns an Address for the given IP and port.
func FromIP(ip net.IP, port uint16) *Address {
	return &Address{ip: ip, port: port}
}

// FromOnion returns an Address for the given onion service host and port.
// The host is canonicalized to lower case so that repeated connections from
// the same onion identity key identically.
func FromOnion(host string, port uint16) (*Address, error) {
	host = strings.ToLower(host)
	if !strings.HasSuffix(host, onionSuffix) {
		return nil, errors.Errorf("%s is not an onion address", host)
	}
	if len(host) == len(onionSuffix) {
		return nil, errors.Errorf("onion address %s has an empty service identity", host)
	}
	return &Address{onionHost: host, port: port}, nil
}

// Parse interprets host either as an onion service identity or as an IP
// address and returns the corresponding Address.
func Parse(host string, port uint16) (*Address, error) {
	if strings.HasSuffix(strings.ToLower(host), onionSuffix) {
		return FromOnion(host, port)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil, errors.Errorf("%s is neither an IP address nor an onion address", host)
	}
	return FromIP(ip, port), nil
}

// IsOnion returns whether this address is a Tor onion service identity.
func (a *Address) IsOnion() bool {
	return a.onionHost != ""
}

// IP returns the IP of the address, or nil for onion addresses.
func (a *Address) IP() net.IP {
	return a.ip
}

// Port returns the port of the address.
func (a *Address) Port() uint16 {
	return a.port
}

// Key is a canonical, comparable form of an Address, suitable for use as a
// map key or a database key. It identifies the remote network identity only:
// the port is deliberately excluded, since bans and discouragement apply to
// the host, whichever port it dials from.
type Key struct {
	isOnion   bool
	ip        ipv6Slot
	onionHost string
}

// Key returns the canonical key of this address.
func (a *Address) Key() Key {
	if a.IsOnion() {
		return Key{isOnion: true, onionHost: a.onionHost}
	}
	var slot ipv6Slot
	copy(slot[:], a.ip.To16())
	return Key{ip: slot}
}

// Bytes returns a serialized form of the key for use as a database key
// suffix. Deserialize with KeyFromBytes.
func (k Key) Bytes() []byte {
	if k.isOnion {
		return append([]byte{1}, []byte(k.onionHost)...)
	}
	return append([]byte{0}, k.ip[:]...)
}

// KeyFromBytes deserializes a key serialized with Key.Bytes.
func KeyFromBytes(serialized []byte) (Key, error) {
	if len(serialized) < 1 {
		return Key{}, errors.New("empty serialized address key")
	}
	switch serialized[0] {
	case 0:
		if len(serialized) != 1+net.IPv6len {
			return Key{}, errors.Errorf("serialized IP address key has length %d, expected %d",
				len(serialized), 1+net.IPv6len)
		}
		var slot ipv6Slot
		copy(slot[:], serialized[1:])
		return Key{ip: slot}, nil
	case 1:
		return Key{isOnion: true, onionHost: string(serialized[1:])}, nil
	default:
		return Key{}, errors.Errorf("unknown serialized address key type %d", serialized[0])
	}
}

// String returns the address in host:port form. Onion addresses render as
// their canonical service host.
func (a *Address) String() string {
	if a.IsOnion() {
		return net.JoinHostPort(a.onionHost, strconv.Itoa(int(a.port)))
	}
	return net.JoinHostPort(a.ip.String(), strconv.Itoa(int(a.port)))
}

// String renders the key's host form, mostly for logging.
func (k Key) String() string {
	if k.isOnion {
		return k.onionHost
	}
	return net.IP(k.ip[:]).String()
}
