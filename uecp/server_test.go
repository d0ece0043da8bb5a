package uecp

import (
	"context"
	"net"
	"testing"
	"time"
)

func waitForCall(t *testing.T, r *recorder, want string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		for _, c := range r.Calls() {
			if c == want {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("never saw %q, calls: %v", want, r.Calls())
}

func startServer(t *testing.T, r *recorder) (*Server, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	s := NewServer(NewDecoder(r, nil, nil), "127.0.0.1", 0, nil)
	s.ReadTimeout = 20 * time.Millisecond
	if err := s.Start(ctx); err != nil {
		cancel()
		t.Fatalf("Start err=%v", err)
	}
	t.Cleanup(func() {
		cancel()
		s.Wait()
	})
	return s, cancel
}

func TestServerPrimesOnStart(t *testing.T) {
	r := &recorder{}
	startServer(t, r)
	expectCalls(t, r, `PS 0 "  ----  "`, "PI 0000")
}

func TestServerUDP(t *testing.T) {
	r := &recorder{}
	s, _ := startServer(t, r)

	conn, err := net.Dial("udp", s.UDPAddr().String())
	if err != nil {
		t.Fatalf("dial err=%v", err)
	}
	defer conn.Close()

	// garbage, a corrupt frame and a good one in one datagram
	bad := EncodeFrame(Message{MEC: MECPTY, Data: []byte{1}})
	bad[len(bad)-2] ^= 0x01
	dgram := append([]byte("xx"), bad...)
	dgram = append(dgram, EncodeFrame(Message{MEC: MECPTY, Data: []byte{9}})...)
	if _, err := conn.Write(dgram); err != nil {
		t.Fatalf("write err=%v", err)
	}
	waitForCall(t, r, "PTY 9")
	for _, c := range r.Calls() {
		if c == "PTY 1" {
			t.Fatalf("corrupt frame applied")
		}
	}
}

func TestServerTCPSplitFrames(t *testing.T) {
	r := &recorder{}
	s, _ := startServer(t, r)

	conn, err := net.Dial("tcp", s.TCPAddr().String())
	if err != nil {
		t.Fatalf("dial err=%v", err)
	}
	defer conn.Close()

	frame := EncodeFrame(Message{MEC: MECPI, Data: []byte{0xbe, 0xef}})
	conn.Write(frame[:3])
	time.Sleep(30 * time.Millisecond)
	conn.Write(frame[3:])
	waitForCall(t, r, "PI beef")
}

func TestServerStopsOnCancel(t *testing.T) {
	r := &recorder{}
	s, cancel := startServer(t, r)

	cancel()
	done := make(chan struct{})
	go func() {
		s.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("listeners still running after cancel")
	}
	deadline := time.Now().Add(time.Second)
	for s.UDPAddr() != nil || s.TCPAddr() != nil {
		if time.Now().After(deadline) {
			t.Fatalf("listeners still open after cancel")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
