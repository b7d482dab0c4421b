package session

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/xtaci/tftpd/wire"
)

func writeTempFile(t *testing.T, size int) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fixture.bin")
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	return path
}

func drainRead(t *testing.T, s *ReadSession) []*wire.DataPacket {
	t.Helper()
	var blocks []*wire.DataPacket
	for {
		pkt, ok, err := s.NextPacket()
		if err != nil {
			t.Fatalf("NextPacket: %v", err)
		}
		if !ok {
			break
		}
		blocks = append(blocks, pkt.Data)
		if !s.HandleAck(pkt.Data.BlockNum) {
			t.Fatalf("HandleAck(%d) unexpectedly returned false", pkt.Data.BlockNum)
		}
	}
	return blocks
}

func TestReadSessionSmallFile(t *testing.T) {
	path := writeTempFile(t, 17)
	s, err := NewReadSession(path)
	if err != nil {
		t.Fatalf("NewReadSession: %v", err)
	}
	defer s.Close()

	blocks := drainRead(t, s)
	if len(blocks) != 1 {
		t.Fatalf("got %d blocks, want 1", len(blocks))
	}
	if blocks[0].BlockNum != 1 || len(blocks[0].Payload) != 17 {
		t.Fatalf("got block %+v", blocks[0])
	}
	if !s.Finished() {
		t.Fatal("expected session finished")
	}
}

func TestReadSessionExactMultipleEndsWithZeroBlock(t *testing.T) {
	path := writeTempFile(t, 1024)
	s, err := NewReadSession(path)
	if err != nil {
		t.Fatalf("NewReadSession: %v", err)
	}
	defer s.Close()

	blocks := drainRead(t, s)
	if len(blocks) != 3 {
		t.Fatalf("got %d blocks, want 3 (two full + one zero-length)", len(blocks))
	}
	for i, b := range blocks {
		if b.BlockNum != uint16(i+1) {
			t.Fatalf("block %d has number %d", i, b.BlockNum)
		}
	}
	if len(blocks[0].Payload) != 512 || len(blocks[1].Payload) != 512 {
		t.Fatalf("expected two full 512-byte blocks, got %d and %d", len(blocks[0].Payload), len(blocks[1].Payload))
	}
	if len(blocks[2].Payload) != 0 {
		t.Fatalf("expected trailing zero-length block, got %d bytes", len(blocks[2].Payload))
	}
}

func TestReadSessionOnlyFinalBlockShort(t *testing.T) {
	path := writeTempFile(t, 1200)
	s, err := NewReadSession(path)
	if err != nil {
		t.Fatalf("NewReadSession: %v", err)
	}
	defer s.Close()

	blocks := drainRead(t, s)
	if len(blocks) != 3 {
		t.Fatalf("got %d blocks, want 3", len(blocks))
	}
	for _, b := range blocks[:len(blocks)-1] {
		if len(b.Payload) != 512 {
			t.Fatalf("non-final block has length %d, want 512", len(b.Payload))
		}
	}
	if got := len(blocks[len(blocks)-1].Payload); got != 1200-2*512 {
		t.Fatalf("final block length %d, want %d", got, 1200-2*512)
	}
}

func TestReadSessionHandleAckWrongBlockNoop(t *testing.T) {
	path := writeTempFile(t, 10)
	s, err := NewReadSession(path)
	if err != nil {
		t.Fatalf("NewReadSession: %v", err)
	}
	defer s.Close()

	pkt, _, err := s.NextPacket()
	if err != nil {
		t.Fatalf("NextPacket: %v", err)
	}
	if s.HandleAck(pkt.Data.BlockNum + 1) {
		t.Fatal("expected false for mismatched block ack")
	}
	// state unchanged: NextPacket still returns the same block.
	pkt2, ok, err := s.NextPacket()
	if err != nil {
		t.Fatalf("NextPacket: %v", err)
	}
	if !ok || pkt2.Data.BlockNum != pkt.Data.BlockNum {
		t.Fatalf("state mutated by rejected ack: %+v", pkt2)
	}
}

func TestReadSessionOpenMissingFile(t *testing.T) {
	dir := t.TempDir()
	if _, err := NewReadSession(filepath.Join(dir, "missing.bin")); err == nil {
		t.Fatal("expected error opening missing file")
	}
}

func TestReadSessionNextPacketPropagatesDiskError(t *testing.T) {
	path := writeTempFile(t, 10)
	s, err := NewReadSession(path)
	if err != nil {
		t.Fatalf("NewReadSession: %v", err)
	}
	defer s.Close()

	// Close the underlying file out from under the session to force the
	// next Read to fail, simulating a disk error mid-session.
	if err := s.file.Close(); err != nil {
		t.Fatalf("close underlying file: %v", err)
	}

	pkt, ok, err := s.NextPacket()
	if err == nil {
		t.Fatal("expected NextPacket to report the read failure")
	}
	if ok {
		t.Fatalf("expected ok=false on read failure, got packet %+v", pkt)
	}

	// The failure is sticky: a retry must keep reporting the same error
	// rather than silently recovering or finishing.
	if _, ok, err := s.NextPacket(); err == nil || ok {
		t.Fatalf("expected NextPacket to keep failing after a read error, got ok=%v err=%v", ok, err)
	}
}
