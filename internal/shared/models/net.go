package models

import (
	"encoding/binary"
	"errors"
	"net"
	"strconv"
)

type Addr struct {
	IP   net.IP
	Port uint16
}

func (a Addr) String() string {
	return net.JoinHostPort(a.IP.String(), strconv.Itoa(int(a.Port)))
}

var ErrInvalidAddr = errors.New("invalid address")

// ReadFromBytes decodes the compact 6-byte IPv4 form used by trackers.
func (a *Addr) ReadFromBytes(b []byte) error {
	if len(b) != 6 {
		return ErrInvalidAddr
	}

	a.IP = net.IPv4(b[0], b[1], b[2], b[3])
	a.Port = binary.BigEndian.Uint16(b[4:])

	return nil
}

// Bytes encodes the address in compact form. Non IPv4 addresses are rejected.
func (a Addr) Bytes() ([]byte, error) {
	ip4 := a.IP.To4()
	if ip4 == nil {
		return nil, ErrInvalidAddr
	}
	b := make([]byte, 6)
	copy(b, ip4)
	binary.BigEndian.PutUint16(b[4:], a.Port)
	return b, nil
}

func ParseAddr(s string) (Addr, error) {
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		return Addr{}, err
	}
	p, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return Addr{}, ErrInvalidAddr
	}
	ip := net.ParseIP(host)
	if ip == nil {
		ips, err := net.LookupIP(host)
		if err != nil || len(ips) == 0 {
			return Addr{}, ErrInvalidAddr
		}
		ip = ips[0]
	}
	return Addr{IP: ip, Port: uint16(p)}, nil
}

// DecodeCompactPeers splits a compact peer list (6 bytes per peer) into addresses.
func DecodeCompactPeers(b []byte) ([]Addr, error) {
	if len(b)%6 != 0 {
		return nil, ErrInvalidAddr
	}
	addrs := make([]Addr, 0, len(b)/6)
	for i := 0; i < len(b); i += 6 {
		var a Addr
		if err := a.ReadFromBytes(b[i : i+6]); err != nil {
			return nil, err
		}
		addrs = append(addrs, a)
	}
	return addrs, nil
}

func EncodeCompactPeers(addrs []Addr) []byte {
	b := make([]byte, 0, len(addrs)*6)
	for _, a := range addrs {
		enc, err := a.Bytes()
		if err != nil {
			continue
		}
		b = append(b, enc...)
	}
	return b
}
