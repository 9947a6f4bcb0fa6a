package uwb

import (
	"net"
	"testing"
	"time"
)

// Publish over loopback and decode what arrives on the socket.
func TestPublisherRoundTrip(t *testing.T) {
	recv, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("failed to open receive socket: %v", err)
	}
	defer recv.Close()

	pub, err := NewMulticastPublisher(recv.LocalAddr().String())
	if err != nil {
		t.Fatalf("failed to open publisher: %v", err)
	}
	defer pub.Close()

	want := &FusedPositionPacket{
		EpochMS:     12345,
		MarkAPos:    Vec3{X: -50},
		MarkBPos:    Vec3{X: 50},
		LineDirUnit: Vec2{X: 1},
		Nodes: []NodePosition2D{
			{NodeID: 10, XLineM: 4.2, YLineM: 0.15, FixQuality: 80},
		},
	}
	if err := pub.Publish(want); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	recv.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 2048)
	n, _, err := recv.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("receive failed: %v", err)
	}

	got, err := DecodeFusedPacket(buf[:n])
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if got.EpochMS != want.EpochMS || len(got.Nodes) != 1 || got.Nodes[0].NodeID != 10 {
		t.Errorf("received packet mismatch: %+v", got)
	}
	if !approxEq(got.Nodes[0].YLineM, 0.15, 1e-5) {
		t.Errorf("YLineM = %f, want 0.15", got.Nodes[0].YLineM)
	}
}

func TestPublisherCloseIdempotent(t *testing.T) {
	pub, err := NewMulticastPublisher("127.0.0.1:19999")
	if err != nil {
		t.Fatalf("failed to open publisher: %v", err)
	}
	if err := pub.Close(); err != nil {
		t.Errorf("first close: %v", err)
	}
	if err := pub.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}
}
