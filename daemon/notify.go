package daemon

import (
	"net"
	"os"
)

// notify sends one sd_notify state string to the socket systemd passed in
// NOTIFY_SOCKET. Outside systemd it does nothing. Abstract socket names
// (leading '@') work unchanged: the net package maps '@' to the NUL byte.
func notify(state string) {
	socket := os.Getenv("NOTIFY_SOCKET")
	if socket == "" {
		return
	}
	conn, err := net.DialUnix("unixgram", nil, &net.UnixAddr{Name: socket, Net: "unixgram"})
	if err != nil {
		return
	}
	defer conn.Close()
	_, _ = conn.Write([]byte(state))
}
