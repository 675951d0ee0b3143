// Copyright 2020 by Thorsten von Eicken, see LICENSE file

// Package netif couples a QCA7000 powerline modem to the gVisor tcpip stack.
//
// The modem is a transparent Ethernet pipe, so the glue is thin: frames
// popped off the modem's rx channel are injected into a gVisor channel
// endpoint, and packets the stack emits are framed with an Ethernet header
// and handed to the modem for transmission. Applications create the channel
// endpoint, register it as a NIC with their stack.Stack, and call Start.
package netif

import (
	"context"
	"encoding/binary"
	"errors"
	"net"

	"github.com/tve/qca7k"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/buffer"
	"gvisor.dev/gvisor/pkg/tcpip/link/channel"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
)

// NIC binds a modem to a gVisor channel endpoint.
type NIC struct {
	// MAC is this host's address on the powerline segment, used as the
	// source of outbound frames.
	MAC net.HardwareAddr

	// Link is the gVisor channel endpoint registered with the stack.
	Link *channel.Endpoint

	// Modem is the QCA7000 the frames flow through.
	Modem *qca7k.Modem

	cancel context.CancelFunc
}

// Start validates the configuration and spawns the two forwarding
// goroutines. The inbound goroutine exits when the modem's rx channel
// closes (fatal modem error); the outbound one when Stop is called.
func (n *NIC) Start() error {
	if n.Link == nil {
		return errors.New("netif: missing link endpoint")
	}
	if n.Modem == nil {
		return errors.New("netif: missing modem")
	}
	if len(n.MAC) != 6 {
		return errors.New("netif: invalid MAC address")
	}

	ctx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel
	go n.inbound()
	go n.outbound(ctx)
	return nil
}

// Stop tears down the outbound forwarder. The inbound one follows the
// modem's rx channel.
func (n *NIC) Stop() {
	if n.cancel != nil {
		n.cancel()
	}
}

// inbound pushes frames received from the powerline into the stack.
func (n *NIC) inbound() {
	for frame := range n.Modem.RxChan {
		if len(frame.Payload) < 14 {
			continue
		}
		hdr := buffer.NewViewFromBytes(frame.Payload[0:14])
		proto := tcpip.NetworkProtocolNumber(binary.BigEndian.Uint16(frame.Payload[12:14]))
		payload := buffer.NewViewFromBytes(frame.Payload[14:])

		pkt := &stack.PacketBuffer{
			LinkHeader: hdr,
			Data:       payload.ToVectorisedView(),
		}
		n.Link.InjectInbound(proto, pkt)
	}
}

// outbound drains the stack's packets and sends them down the powerline.
func (n *NIC) outbound(ctx context.Context) {
	for {
		info, ok := n.Link.ReadContext(ctx)
		if !ok {
			return
		}

		hdr := info.Pkt.Header.View()
		payload := info.Pkt.Data.ToView()

		proto := make([]byte, 2)
		binary.BigEndian.PutUint16(proto, uint16(info.Proto))

		// Ethernet frame header, then the packet.
		frame := make([]byte, 0, 14+len(hdr)+len(payload))
		frame = append(frame, n.destination(info)...)
		frame = append(frame, n.MAC...)
		frame = append(frame, proto...)
		frame = append(frame, hdr...)
		frame = append(frame, payload...)

		n.Modem.Send(frame)
	}
}

// destination picks the outbound frame's destination MAC: the route's remote
// link address when the stack resolved one, broadcast otherwise.
func (n *NIC) destination(info channel.PacketInfo) []byte {
	if len(info.Route.RemoteLinkAddress) == 6 {
		return []byte(info.Route.RemoteLinkAddress)
	}
	return []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
}
