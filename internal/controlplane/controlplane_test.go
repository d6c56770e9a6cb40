package controlplane

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taida957789/maplesniffer/internal/maple"
)

func startPlane(t *testing.T, d *maple.Dispatcher) (*Plane, string) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	p := New(host, port, zerolog.Nop(), d, nil)
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(p.Close)
	return p, addr
}

func dial(t *testing.T, addr string) (net.Conn, *bufio.Reader) {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn, bufio.NewReader(conn)
}

func sendCmd(t *testing.T, conn net.Conn, cmd map[string]any) {
	t.Helper()
	b, err := json.Marshal(cmd)
	require.NoError(t, err)
	b = append(b, '\n')
	_, err = conn.Write(b)
	require.NoError(t, err)
}

func readReply(t *testing.T, r *bufio.Reader) map[string]any {
	t.Helper()
	line, err := r.ReadBytes('\n')
	require.NoError(t, err)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(line, &resp))
	return resp
}

func TestPlaneListSessionsAndStats(t *testing.T) {
	d := maple.NewDispatcher(maple.NopLogger{})
	_, addr := startPlane(t, d)

	conn, reader := dial(t, addr)
	sendCmd(t, conn, map[string]any{"cmd": "list_sessions"})
	resp := readReply(t, reader)
	assert.Equal(t, true, resp["ok"])
	assert.Equal(t, "list_sessions", resp["reply_to"])

	sendCmd(t, conn, map[string]any{"cmd": "stats"})
	resp = readReply(t, reader)
	assert.Equal(t, true, resp["ok"])
}

func TestPlaneGetSessionNotFound(t *testing.T) {
	d := maple.NewDispatcher(maple.NopLogger{})
	_, addr := startPlane(t, d)

	conn, reader := dial(t, addr)
	sendCmd(t, conn, map[string]any{"cmd": "get_session", "session_id": 999})
	resp := readReply(t, reader)
	assert.Equal(t, false, resp["ok"])
	assert.Equal(t, "not_found", resp["error"])
}

func TestPlaneUnknownCommand(t *testing.T) {
	d := maple.NewDispatcher(maple.NopLogger{})
	_, addr := startPlane(t, d)

	conn, reader := dial(t, addr)
	sendCmd(t, conn, map[string]any{"cmd": "bogus"})
	resp := readReply(t, reader)
	assert.Equal(t, false, resp["ok"])
	assert.Equal(t, "unknown_cmd", resp["error"])
}

func TestFormatOpcodeIsUpperHexFourDigits(t *testing.T) {
	assert.Equal(t, "0x0012", FormatOpcode(0x12))
	assert.Equal(t, "0xFFFF", FormatOpcode(0xFFFF))
}
