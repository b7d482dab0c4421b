package server

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/xtaci/tftpd/stats"
	"github.com/xtaci/tftpd/wire"
)

func startServer(t *testing.T, root string) (addr *net.UDPAddr, cancel func()) {
	t.Helper()
	log := zap.NewNop()
	srv := New(root, log, &stats.Counters{}, 0, true)

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	laddr := conn.LocalAddr().(*net.UDPAddr)
	conn.Close()

	ctx, stop := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.ListenAndServe(ctx, laddr.Port) }()

	// wait for the listener to bind
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c, err := net.Dial("udp", laddr.String()); err == nil {
			c.Close()
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	return laddr, func() {
		stop()
		<-done
	}
}

func TestEndToEndReadRequest(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "foo.txt"), []byte("Hello TFTP World!"), 0644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	addr, stop := startServer(t, root)
	defer stop()

	client, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("client listen: %v", err)
	}
	defer client.Close()

	sendBuf := make([]byte, wire.MaxDatagram)
	n, _ := wire.Serialize(wire.NewRequest(wire.RRQ, "foo.txt", wire.Octet), sendBuf)
	if _, err := client.WriteToUDP(sendBuf[:n], addr); err != nil {
		t.Fatalf("send RRQ: %v", err)
	}

	client.SetReadDeadline(time.Now().Add(3 * time.Second))
	recvBuf := make([]byte, wire.MaxDatagram)
	n, from, err := client.ReadFromUDP(recvBuf)
	if err != nil {
		t.Fatalf("receive data: %v", err)
	}
	if from.Port == addr.Port {
		t.Fatalf("expected reply from an ephemeral session port, not the listener port %d", addr.Port)
	}

	pkt, err := wire.Parse(recvBuf[:n])
	if err != nil {
		t.Fatalf("parse data: %v", err)
	}
	if pkt.Op != wire.DATA || pkt.Data.BlockNum != 1 || string(pkt.Data.Payload) != "Hello TFTP World!" {
		t.Fatalf("unexpected data packet: %+v", pkt)
	}

	ackBuf := make([]byte, wire.MaxDatagram)
	n, _ = wire.Serialize(wire.NewAck(1), ackBuf)
	if _, err := client.WriteToUDP(ackBuf[:n], from); err != nil {
		t.Fatalf("send ack: %v", err)
	}
}

func TestEndToEndWriteRequest(t *testing.T) {
	root := t.TempDir()
	addr, stop := startServer(t, root)
	defer stop()

	client, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("client listen: %v", err)
	}
	defer client.Close()

	sendBuf := make([]byte, wire.MaxDatagram)
	n, _ := wire.Serialize(wire.NewRequest(wire.WRQ, "uploaded.txt", wire.Octet), sendBuf)
	if _, err := client.WriteToUDP(sendBuf[:n], addr); err != nil {
		t.Fatalf("send WRQ: %v", err)
	}

	client.SetReadDeadline(time.Now().Add(3 * time.Second))
	recvBuf := make([]byte, wire.MaxDatagram)
	n, from, err := client.ReadFromUDP(recvBuf)
	if err != nil {
		t.Fatalf("receive ack0: %v", err)
	}
	pkt, err := wire.Parse(recvBuf[:n])
	if err != nil || pkt.Op != wire.ACK || pkt.Ack.BlockNum != 0 {
		t.Fatalf("expected Ack(0), got %+v err=%v", pkt, err)
	}

	dataBuf := make([]byte, wire.MaxDatagram)
	n, _ = wire.Serialize(wire.NewData(1, []byte("Payload")), dataBuf)
	if _, err := client.WriteToUDP(dataBuf[:n], from); err != nil {
		t.Fatalf("send data: %v", err)
	}

	client.SetReadDeadline(time.Now().Add(3 * time.Second))
	n, _, err = client.ReadFromUDP(recvBuf)
	if err != nil {
		t.Fatalf("receive ack1: %v", err)
	}
	pkt, err = wire.Parse(recvBuf[:n])
	if err != nil || pkt.Op != wire.ACK || pkt.Ack.BlockNum != 1 {
		t.Fatalf("expected Ack(1), got %+v err=%v", pkt, err)
	}

	stop()
	time.Sleep(50 * time.Millisecond)

	got, err := os.ReadFile(filepath.Join(root, "uploaded.txt"))
	if err != nil {
		t.Fatalf("read uploaded file: %v", err)
	}
	if string(got) != "Payload" {
		t.Fatalf("got %q, want %q", got, "Payload")
	}
}

func TestResolvePathRejectsTraversal(t *testing.T) {
	root := t.TempDir()
	if _, err := resolvePath(root, "../../etc/passwd"); err == nil {
		t.Fatal("expected traversal to be rejected")
	}
	if _, err := resolvePath(root, "safe.txt"); err != nil {
		t.Fatalf("unexpected error for in-root path: %v", err)
	}
}

func TestIllegalOperationAsFirstPacket(t *testing.T) {
	root := t.TempDir()
	addr, stop := startServer(t, root)
	defer stop()

	client, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("client listen: %v", err)
	}
	defer client.Close()

	buf := make([]byte, wire.MaxDatagram)
	n, _ := wire.Serialize(wire.NewAck(1), buf)
	if _, err := client.WriteToUDP(buf[:n], addr); err != nil {
		t.Fatalf("send stray ack: %v", err)
	}

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	recvBuf := make([]byte, wire.MaxDatagram)
	n, _, err = client.ReadFromUDP(recvBuf)
	if err != nil {
		t.Fatalf("receive error reply: %v", err)
	}
	pkt, err := wire.Parse(recvBuf[:n])
	if err != nil || pkt.Op != wire.ERROR || pkt.Error.Code != wire.IllegalOperation {
		t.Fatalf("expected IllegalOperation error, got %+v err=%v", pkt, err)
	}
}
