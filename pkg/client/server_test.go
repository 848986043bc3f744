package client

import (
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/pzhenzhou/pipekv/pkg/respio"
	"github.com/stretchr/testify/require"
)

// testServer is a loopback store whose connections can be scripted per accept order.
type testServer struct {
	ln       net.Listener
	serve    func(n int, conn net.Conn)
	accepted atomic.Int32

	mu    sync.Mutex
	conns []net.Conn
	store map[string][]byte
}

func startTestServer(t *testing.T, serve func(s *testServer, n int, conn net.Conn)) *testServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &testServer{ln: ln, store: map[string][]byte{}}
	s.serve = func(n int, conn net.Conn) {
		serve(s, n, conn)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			n := int(s.accepted.Add(1)) - 1
			s.mu.Lock()
			s.conns = append(s.conns, conn)
			s.mu.Unlock()
			go func() {
				defer conn.Close()
				s.serve(n, conn)
			}()
		}
	}()
	t.Cleanup(s.kill)
	return s
}

func (s *testServer) Addr() string {
	return s.ln.Addr().String()
}

// kill stops accepting and drops every open connection.
func (s *testServer) kill() {
	_ = s.ln.Close()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, conn := range s.conns {
		_ = conn.Close()
	}
	s.conns = nil
}

func (s *testServer) handle(cmd *respio.RespPacket) *respio.RespPacket {
	s.mu.Lock()
	defer s.mu.Unlock()
	args := cmd.Array
	switch name := strings.ToUpper(string(cmd.GetCommand())); {
	case name == "SET" && len(args) == 3:
		s.store[string(args[1].Data)] = append([]byte(nil), args[2].Data...)
		return respio.NewStatus("OK")
	case name == "GET" && len(args) == 2:
		return respio.NewBulk(s.store[string(args[1].Data)])
	case name == "ECHO" && len(args) == 2:
		return respio.NewBulk(args[1].Data)
	default:
		return respio.NewError("ERR unknown command '" + name + "'")
	}
}

// serveKV answers every command until the client goes away.
func serveKV(s *testServer, _ int, conn net.Conn) {
	reader := respio.NewRespReader(conn)
	writer := respio.NewRespWriter(conn)
	for {
		cmd, err := reader.Read()
		if err != nil {
			return
		}
		if err := writer.Write(s.handle(cmd)); err != nil {
			return
		}
		if reader.Buffered() == 0 {
			if err := writer.Flush(); err != nil {
				return
			}
		}
	}
}

// dropFirstCommand closes the first connection as soon as a command arrives on it.
func dropFirstCommand(s *testServer, n int, conn net.Conn) {
	if n == 0 {
		_, _ = respio.NewRespReader(conn).Read()
		return
	}
	serveKV(s, n, conn)
}

// neverReply reads commands and sends nothing back.
func neverReply(_ *testServer, _ int, conn net.Conn) {
	reader := respio.NewRespReader(conn)
	for {
		if _, err := reader.Read(); err != nil {
			return
		}
	}
}
