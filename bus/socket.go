// SPDX-FileCopyrightText: © 2024 the meshbus authors
// SPDX-License-Identifier: AGPL-3.0-only

package bus

import (
	"fmt"
	"net"

	"golang.org/x/net/ipv4"
)

// socket is the datagram collaborator named in spec.md §6: join a
// multicast group, send to the group or to one address, and receive.
// Abstracted so tests can substitute an in-memory medium instead of real
// UDP sockets.
type socket interface {
	sendGroup(b []byte) error
	sendTo(b []byte, addr net.Addr) error
	recv(buf []byte) (int, net.Addr, error)
	close() error
}

// udpSocket is the concrete socket backed by golang.org/x/net/ipv4, the
// only pack example to touch multicast group membership.
type udpSocket struct {
	conn  *net.UDPConn
	pconn *ipv4.PacketConn
	group *net.UDPAddr
}

func newUDPSocket(groupAddress string, port int) (*udpSocket, error) {
	ip := net.ParseIP(groupAddress)
	if ip == nil || ip.To4() == nil {
		return nil, fmt.Errorf("bus: invalid multicast group address %q", groupAddress)
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: port})
	if err != nil {
		return nil, fmt.Errorf("bus: listen: %w", err)
	}

	pconn := ipv4.NewPacketConn(conn)
	group := &net.UDPAddr{IP: ip, Port: port}

	ifaces, err := net.Interfaces()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("bus: list interfaces: %w", err)
	}
	joined := false
	for i := range ifaces {
		iface := ifaces[i]
		if iface.Flags&net.FlagMulticast == 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		if err := pconn.JoinGroup(&iface, group); err == nil {
			joined = true
		}
	}
	if !joined {
		conn.Close()
		return nil, fmt.Errorf("bus: failed to join multicast group %s on any interface", groupAddress)
	}
	_ = pconn.SetMulticastTTL(1)

	return &udpSocket{conn: conn, pconn: pconn, group: group}, nil
}

func (s *udpSocket) sendGroup(b []byte) error {
	_, err := s.conn.WriteTo(b, s.group)
	return err
}

func (s *udpSocket) sendTo(b []byte, addr net.Addr) error {
	_, err := s.conn.WriteTo(b, addr)
	return err
}

func (s *udpSocket) recv(buf []byte) (int, net.Addr, error) {
	return s.conn.ReadFrom(buf)
}

func (s *udpSocket) close() error {
	_ = s.pconn.LeaveGroup(nil, s.group)
	return s.conn.Close()
}
