package sshcred

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"

	"acproxycam/logging"
)

// The LAN-print API listens on the printer's loopback only; it is reached
// through an SSH tunnel. Requests and replies are single JSON lines.
const (
	lanAPIAddr      = "127.0.0.1:18086"
	lanPollInterval = 5 * time.Second
	lanOpenDeadline = 60 * time.Second

	cmdQueryStatus = "queryLanPrintStatus"
	cmdOpenPrint   = "openLanPrint"
)

type lanRequest struct {
	Cmd string `json:"cmd"`
}

type lanReply struct {
	Cmd   string `json:"cmd"`
	Open  bool   `json:"open"`
	Error string `json:"error,omitempty"`
}

// LanMode switches the printer's LAN-print mode on, which is what makes the
// local MQTT broker and camera endpoints answer.
type LanMode struct {
	cfg      Config
	log      zerolog.Logger
	poll     time.Duration
	deadline time.Duration

	dial func(ctx context.Context) (net.Conn, func(), error)
}

// NewLanMode builds the service for one printer.
func NewLanMode(cfg Config) *LanMode {
	l := &LanMode{
		cfg:      cfg,
		log:      logging.WithPrinter("lanmode", cfg.Printer),
		poll:     lanPollInterval,
		deadline: lanOpenDeadline,
	}
	l.dial = l.dialTunnel
	return l
}

func (l *LanMode) dialTunnel(ctx context.Context) (net.Conn, func(), error) {
	client, closeClient, err := dialClient(ctx, l.cfg)
	if err != nil {
		return nil, nil, err
	}
	conn, err := client.Dial("tcp", lanAPIAddr)
	if err != nil {
		closeClient()
		return nil, nil, fmt.Errorf("tunnel %s: %w", lanAPIAddr, err)
	}
	return conn, func() {
		conn.Close()
		closeClient()
	}, nil
}

// Enable queries the LAN-print status and, if closed, requests it open and
// polls until the printer confirms or the deadline passes. alreadyOpen
// reports that no request was needed.
func (l *LanMode) Enable(ctx context.Context) (alreadyOpen bool, err error) {
	ctx, cancel := context.WithTimeout(ctx, l.deadline)
	defer cancel()

	conn, closeFn, err := l.dial(ctx)
	if err != nil {
		return false, err
	}
	defer closeFn()

	// The tunnel conn carries no deadlines; tear it down when ctx expires
	// so blocked reads return.
	watchdog := make(chan struct{})
	defer close(watchdog)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-watchdog:
		}
	}()

	br := bufio.NewReader(conn)
	// The watchdog closing the conn surfaces as a read error; report those
	// as the deadline they are.
	exchange := func(cmd string) (lanReply, error) {
		rep, err := l.roundTrip(conn, br, cmd)
		if err != nil && ctx.Err() != nil {
			return rep, fmt.Errorf("lan mode did not open: %w", ctx.Err())
		}
		return rep, err
	}

	rep, err := exchange(cmdQueryStatus)
	if err != nil {
		return false, err
	}
	if rep.Open {
		l.log.Debug().Msg("lan mode already open")
		return true, nil
	}

	if _, err := exchange(cmdOpenPrint); err != nil {
		return false, err
	}
	l.log.Info().Msg("lan mode open requested")

	ticker := time.NewTicker(l.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return false, fmt.Errorf("lan mode did not open: %w", ctx.Err())
		case <-ticker.C:
			rep, err := exchange(cmdQueryStatus)
			if err != nil {
				return false, err
			}
			if rep.Open {
				l.log.Info().Msg("lan mode open")
				return false, nil
			}
		}
	}
}

func (l *LanMode) roundTrip(conn net.Conn, br *bufio.Reader, cmd string) (lanReply, error) {
	buf, err := json.Marshal(lanRequest{Cmd: cmd})
	if err != nil {
		return lanReply{}, err
	}
	buf = append(buf, '\n')
	if _, err := conn.Write(buf); err != nil {
		return lanReply{}, fmt.Errorf("send %s: %w", cmd, err)
	}
	line, err := br.ReadBytes('\n')
	if err != nil {
		return lanReply{}, fmt.Errorf("read %s reply: %w", cmd, err)
	}
	var rep lanReply
	if err := json.Unmarshal(line, &rep); err != nil {
		return lanReply{}, fmt.Errorf("parse %s reply: %w", cmd, err)
	}
	if rep.Error != "" {
		return rep, fmt.Errorf("%s: printer reported %q", cmd, rep.Error)
	}
	if rep.Cmd != "" && rep.Cmd != cmd {
		return rep, fmt.Errorf("reply %q does not match request %s", rep.Cmd, cmd)
	}
	return rep, nil
}
