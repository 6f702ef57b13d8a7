package worker

import (
	"context"
	"net"
	"os"
	"strconv"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
)

// probeReachable answers whether the printer host looks alive: a TCP
// connect on the SSH port, falling back to an ICMP echo. Both are bounded
// by timeout.
func probeReachable(ctx context.Context, host string, sshPort int, timeout time.Duration) bool {
	d := net.Dialer{Timeout: timeout}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	conn, err := d.DialContext(dialCtx, "tcp", net.JoinHostPort(host, strconv.Itoa(sshPort)))
	cancel()
	if err == nil {
		conn.Close()
		return true
	}
	return pingHost(host, timeout)
}

// pingHost sends one ICMP echo. The datagram socket works unprivileged on
// Linux when ping_group_range allows it; the raw socket needs CAP_NET_RAW.
func pingHost(host string, timeout time.Duration) bool {
	ipAddr, err := net.ResolveIPAddr("ip4", host)
	if err != nil {
		return false
	}

	var dst net.Addr = ipAddr
	conn, err := icmp.ListenPacket("udp4", "0.0.0.0")
	if err == nil {
		dst = &net.UDPAddr{IP: ipAddr.IP}
	} else {
		conn, err = icmp.ListenPacket("ip4:icmp", "0.0.0.0")
		if err != nil {
			return false
		}
	}
	defer conn.Close()

	msg := icmp.Message{
		Type: ipv4.ICMPTypeEcho,
		Code: 0,
		Body: &icmp.Echo{
			ID:   os.Getpid() & 0xffff,
			Seq:  1,
			Data: []byte("acproxycam probe"),
		},
	}
	wb, err := msg.Marshal(nil)
	if err != nil {
		return false
	}
	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return false
	}
	if _, err := conn.WriteTo(wb, dst); err != nil {
		return false
	}

	rb := make([]byte, 1500)
	for {
		n, _, err := conn.ReadFrom(rb)
		if err != nil {
			return false
		}
		rm, err := icmp.ParseMessage(ipv4.ICMPTypeEchoReply.Protocol(), rb[:n])
		if err != nil {
			continue
		}
		if rm.Type == ipv4.ICMPTypeEchoReply {
			return true
		}
	}
}
