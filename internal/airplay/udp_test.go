// ABOUTME: Tests for the AirPlay UDP transport
// ABOUTME: Covers port retry, timing reflection, resend and audio framing
package airplay

import (
	"encoding/binary"
	"math"
	"net"
	"testing"
	"time"

	"github.com/Soundmesh-Protocol/soundmesh-go/internal/clock"
)

// freeBasePort finds a usable base port for bind tests.
func freeBasePort(t *testing.T) int {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: 0})
	if err != nil {
		t.Fatalf("probe port: %v", err)
	}
	port := conn.LocalAddr().(*net.UDPAddr).Port
	conn.Close()
	return port
}

func TestBindSkipsOccupiedPorts(t *testing.T) {
	base := freeBasePort(t)

	// Occupy base and base+1.
	c1, err := net.ListenUDP("udp", &net.UDPAddr{Port: base})
	if err != nil {
		t.Skipf("base port raced away: %v", err)
	}
	defer c1.Close()
	c2, err := net.ListenUDP("udp", &net.UDPAddr{Port: base + 1})
	if err != nil {
		t.Skipf("base+1 port raced away: %v", err)
	}
	defer c2.Close()

	tr, err := Bind(base)
	if err != nil {
		t.Fatalf("bind failed: %v", err)
	}
	defer tr.Close()

	if tr.Port() != base+2 {
		t.Errorf("expected port %d, got %d", base+2, tr.Port())
	}
}

// dialTransport opens a client socket aimed at the transport.
func dialTransport(t *testing.T, tr *Transport) *net.UDPConn {
	t.Helper()
	conn, err := net.DialUDP("udp", nil,
		&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: tr.Port()})
	if err != nil {
		t.Fatalf("dial transport: %v", err)
	}
	return conn
}

func TestTimingReflection(t *testing.T) {
	tr, err := Bind(freeBasePort(t))
	if err != nil {
		t.Fatalf("bind failed: %v", err)
	}
	defer tr.Close()
	go tr.Serve()

	client := dialTransport(t, tr)
	defer client.Close()

	// Timing request: header + reference/received/send NTP slots.
	const sendTime = 1_700_000_000_000.0
	req := make([]byte, HeaderSize+3*NTPSize)
	h := Header{Marker: true, PayloadType: PayloadTimingRequest, SeqNum: 42}.Encode()
	copy(req, h[:])
	EncodeNTP(req[HeaderSize+2*NTPSize:], sendTime)

	if _, err := client.Write(req); err != nil {
		t.Fatalf("send timing request: %v", err)
	}

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	resp := make([]byte, maxPacket)
	n, err := client.Read(resp)
	if err != nil {
		t.Fatalf("read timing response: %v", err)
	}
	after := clock.Now()
	resp = resp[:n]

	header, err := ParseHeader(resp)
	if err != nil {
		t.Fatalf("parse response header: %v", err)
	}
	if header.PayloadType != PayloadTimingResponse {
		t.Errorf("expected payload 0x53, got 0x%02x", header.PayloadType)
	}
	if header.SeqNum != 42 {
		t.Errorf("sequence number not preserved: got %d", header.SeqNum)
	}

	slot := func(i int) float64 {
		v, err := ParseNTP(resp[HeaderSize+i*NTPSize:])
		if err != nil {
			t.Fatalf("parse slot %d: %v", i, err)
		}
		return v
	}

	if got := slot(0); math.Abs(got-sendTime) >= 1 {
		t.Errorf("slot 0: expected original send time %f, got %f", sendTime, got)
	}
	// Slots 1 and 2 carry our clock at reflection time.
	for i := 1; i <= 2; i++ {
		got := slot(i)
		if got < after-1000 || got > after+1 {
			t.Errorf("slot %d: expected recent local clock (~%f), got %f", i, after, got)
		}
	}
}

func TestRangeResendSurfaced(t *testing.T) {
	tr, err := Bind(freeBasePort(t))
	if err != nil {
		t.Fatalf("bind failed: %v", err)
	}
	defer tr.Close()

	got := make(chan [2]uint16, 1)
	tr.OnResend(func(seq, count uint16) {
		got <- [2]uint16{seq, count}
	})
	go tr.Serve()

	client := dialTransport(t, tr)
	defer client.Close()

	pkt := make([]byte, HeaderSize+4)
	h := Header{Marker: true, PayloadType: PayloadRangeResend, SeqNum: 1}.Encode()
	copy(pkt, h[:])
	binary.BigEndian.PutUint16(pkt[HeaderSize:], 1200)
	binary.BigEndian.PutUint16(pkt[HeaderSize+2:], 3)

	if _, err := client.Write(pkt); err != nil {
		t.Fatalf("send resend request: %v", err)
	}

	select {
	case v := <-got:
		if v[0] != 1200 || v[1] != 3 {
			t.Errorf("expected missed 1200 count 3, got %v", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("resend request never surfaced")
	}
}

func TestMalformedPacketsAreDropped(t *testing.T) {
	tr, err := Bind(freeBasePort(t))
	if err != nil {
		t.Fatalf("bind failed: %v", err)
	}
	defer tr.Close()
	go tr.Serve()

	client := dialTransport(t, tr)
	defer client.Close()

	// Short packet, unknown payload type, truncated timing request.
	client.Write([]byte{0x80})
	client.Write([]byte{0x80, 0x7f, 0x00, 0x01})
	trunc := Header{PayloadType: PayloadTimingRequest}.Encode()
	client.Write(trunc[:])

	// The transport must survive; a valid request still gets answered.
	req := make([]byte, HeaderSize+3*NTPSize)
	h := Header{PayloadType: PayloadTimingRequest, SeqNum: 9}.Encode()
	copy(req, h[:])
	EncodeNTP(req[HeaderSize+2*NTPSize:], 5000)
	client.Write(req)

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	resp := make([]byte, maxPacket)
	if _, err := client.Read(resp); err != nil {
		t.Fatalf("transport died on malformed input: %v", err)
	}
}

func TestSendRefusedWithoutClient(t *testing.T) {
	tr, err := Bind(freeBasePort(t))
	if err != nil {
		t.Fatalf("bind failed: %v", err)
	}
	defer tr.Close()

	if err := tr.SendAudio(0, []byte{1, 2, 3}); err == nil {
		t.Error("expected SendAudio to fail without client")
	}
	if err := tr.SendSync(1000, 100, true); err == nil {
		t.Error("expected SendSync to fail without client")
	}
}

func TestAudioPacketFraming(t *testing.T) {
	tr, err := Bind(freeBasePort(t))
	if err != nil {
		t.Fatalf("bind failed: %v", err)
	}
	defer tr.Close()

	receiver, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatalf("listen receiver: %v", err)
	}
	defer receiver.Close()

	tr.SetClient(receiver.LocalAddr().(*net.UDPAddr), 0xDEADBEEF, nil, nil)

	payload := []byte{0xAA, 0xBB, 0xCC}
	timestamp := uint32(FramesPerPacket * 5)
	if err := tr.SendAudio(timestamp, payload); err != nil {
		t.Fatalf("send audio: %v", err)
	}

	receiver.SetReadDeadline(time.Now().Add(2 * time.Second))
	pkt := make([]byte, maxPacket)
	n, err := receiver.Read(pkt)
	if err != nil {
		t.Fatalf("receive audio: %v", err)
	}
	pkt = pkt[:n]

	header, err := ParseHeader(pkt)
	if err != nil {
		t.Fatalf("parse header: %v", err)
	}
	if header.PayloadType != PayloadAudioData {
		t.Errorf("expected payload 0x60, got 0x%02x", header.PayloadType)
	}
	if !header.Marker {
		t.Error("first audio packet must carry the marker bit")
	}
	if header.SeqNum != 5 {
		t.Errorf("expected seqnum timestamp/frames = 5, got %d", header.SeqNum)
	}
	if got := binary.BigEndian.Uint32(pkt[HeaderSize:]); got != timestamp {
		t.Errorf("timestamp field: expected %d, got %d", timestamp, got)
	}
	if got := binary.BigEndian.Uint32(pkt[HeaderSize+4:]); got != 0xDEADBEEF {
		t.Errorf("session field: expected deadbeef, got %x", got)
	}
	if string(pkt[HeaderSize+8:]) != string(payload) {
		t.Errorf("payload mangled: % x", pkt[HeaderSize+8:])
	}

	// Second packet drops the first-packet marker.
	if err := tr.SendAudio(timestamp+FramesPerPacket, payload); err != nil {
		t.Fatalf("send second audio packet: %v", err)
	}
	n, err = receiver.Read(pkt[:maxPacket])
	if err != nil {
		t.Fatalf("receive second packet: %v", err)
	}
	header, err = ParseHeader(pkt[:n])
	if err != nil {
		t.Fatalf("parse second header: %v", err)
	}
	if header.Marker {
		t.Error("second audio packet must not carry the first-packet marker")
	}
}

func TestSyncBeaconLayout(t *testing.T) {
	tr, err := Bind(freeBasePort(t))
	if err != nil {
		t.Fatalf("bind failed: %v", err)
	}
	defer tr.Close()

	receiver, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatalf("listen receiver: %v", err)
	}
	defer receiver.Close()

	tr.SetClient(receiver.LocalAddr().(*net.UDPAddr), 1, nil, nil)

	if err := tr.SendSync(44100, 11025, true); err != nil {
		t.Fatalf("send sync: %v", err)
	}

	receiver.SetReadDeadline(time.Now().Add(2 * time.Second))
	pkt := make([]byte, maxPacket)
	n, err := receiver.Read(pkt)
	if err != nil {
		t.Fatalf("receive sync: %v", err)
	}
	pkt = pkt[:n]

	header, err := ParseHeader(pkt)
	if err != nil {
		t.Fatalf("parse header: %v", err)
	}
	if header.PayloadType != PayloadSync || !header.Marker || header.SeqNum != 7 {
		t.Errorf("sync header wrong: %+v", header)
	}
	if !header.Extension {
		t.Error("first sync beacon must set the extension bit")
	}

	if got := binary.BigEndian.Uint32(pkt[HeaderSize:]); got != 44100-11025 {
		t.Errorf("latency-adjusted timestamp: expected %d, got %d", 44100-11025, got)
	}
	if got := binary.BigEndian.Uint32(pkt[HeaderSize+4+NTPSize:]); got != 44100 {
		t.Errorf("next chunk timestamp: expected 44100, got %d", got)
	}

	ntpMs, err := ParseNTP(pkt[HeaderSize+4:])
	if err != nil {
		t.Fatalf("parse beacon ntp: %v", err)
	}
	now := clock.Now()
	if ntpMs < now-1000 || ntpMs > now+1 {
		t.Errorf("beacon clock: expected ~%f, got %f", now, ntpMs)
	}
}
