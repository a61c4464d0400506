// ABOUTME: AirPlay UDP transport: timing responder, sync beacons, audio send
// ABOUTME: Binds with port retry and dispatches inbound RTP packets
package airplay

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"syscall"

	"github.com/Soundmesh-Protocol/soundmesh-go/internal/clock"
)

// FramesPerPacket is the AirPlay audio packet size in frames; audio
// sequence numbers advance once per packet.
const FramesPerPacket = 352

// maxPacket bounds one inbound datagram.
const maxPacket = 2048

// Transport speaks the AirPlay RTP dialect over one bound UDP socket.
type Transport struct {
	conn *net.UDPConn
	port int

	mu         sync.Mutex
	clientAddr *net.UDPAddr
	sessionID  uint32
	sentFirst  bool
	closed     bool

	// Per-session payload encryption hook. Key material is carried
	// but the transform is not applied yet.
	aesKey []byte
	aesIV  []byte

	onResend func(missedSeq, missedCount uint16)
}

// Bind opens a UDP socket at basePort, incrementing past ports that
// are already in use. Any other bind failure is fatal.
func Bind(basePort int) (*Transport, error) {
	port := basePort
	for {
		conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
		if err == nil {
			log.Printf("AirPlay transport bound to port %d", port)
			return &Transport{conn: conn, port: port}, nil
		}
		if errors.Is(err, syscall.EADDRINUSE) {
			port++
			continue
		}
		return nil, fmt.Errorf("bind udp port %d: %w", port, err)
	}
}

// Port returns the bound local port.
func (t *Transport) Port() int {
	return t.port
}

// SetClient records the remote endpoint and session. Outbound sends
// are refused until this has been called.
func (t *Transport) SetClient(addr *net.UDPAddr, sessionID uint32, aesKey, aesIV []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.clientAddr = addr
	t.sessionID = sessionID
	t.sentFirst = false
	t.aesKey = aesKey
	t.aesIV = aesIV
}

// OnResend registers the callback for range-resend requests.
func (t *Transport) OnResend(fn func(missedSeq, missedCount uint16)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onResend = fn
}

// Serve reads and dispatches inbound packets until the socket closes.
// Malformed packets are dropped, never fatal.
func (t *Transport) Serve() {
	buf := make([]byte, maxPacket)
	for {
		n, addr, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			t.mu.Lock()
			closed := t.closed
			t.mu.Unlock()
			if !closed {
				log.Printf("AirPlay transport read failed: %v", err)
			}
			return
		}

		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		t.dispatch(pkt, addr)
	}
}

func (t *Transport) dispatch(pkt []byte, addr *net.UDPAddr) {
	header, err := ParseHeader(pkt)
	if err != nil {
		log.Printf("AirPlay: dropping short packet from %s", addr)
		return
	}

	switch header.PayloadType {
	case PayloadTimingRequest:
		t.handleTimingRequest(header, pkt, addr)
	case PayloadRangeResend:
		t.handleRangeResend(pkt)
	default:
		log.Printf("AirPlay: dropping packet with payload type 0x%02x", header.PayloadType)
	}
}

// handleTimingRequest reflects a timing probe: the response carries
// the request's send time followed by our receive and send instants.
func (t *Transport) handleTimingRequest(header Header, pkt []byte, addr *net.UDPAddr) {
	// Three NTP slots after the header: reference, received, send.
	if len(pkt) < HeaderSize+3*NTPSize {
		log.Printf("AirPlay: dropping truncated timing request")
		return
	}
	sendTime, err := ParseNTP(pkt[HeaderSize+2*NTPSize:])
	if err != nil {
		return
	}

	now := clock.Now()
	resp := make([]byte, HeaderSize+3*NTPSize)
	h := Header{
		Marker:      true,
		PayloadType: PayloadTimingResponse,
		SeqNum:      header.SeqNum,
	}.Encode()
	copy(resp, h[:])
	EncodeNTP(resp[HeaderSize:], sendTime)
	EncodeNTP(resp[HeaderSize+NTPSize:], now)
	EncodeNTP(resp[HeaderSize+2*NTPSize:], now)

	if _, err := t.conn.WriteToUDP(resp, addr); err != nil {
		log.Printf("AirPlay: timing response failed: %v", err)
	}
}

func (t *Transport) handleRangeResend(pkt []byte) {
	if len(pkt) < HeaderSize+4 {
		log.Printf("AirPlay: dropping truncated resend request")
		return
	}
	missedSeq := binary.BigEndian.Uint16(pkt[HeaderSize:])
	missedCount := binary.BigEndian.Uint16(pkt[HeaderSize+2:])

	t.mu.Lock()
	fn := t.onResend
	t.mu.Unlock()
	if fn != nil {
		fn(missedSeq, missedCount)
	}
}

func (t *Transport) client() (*net.UDPAddr, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.clientAddr == nil {
		return nil, errors.New("airplay client not established")
	}
	return t.clientAddr, nil
}

// SendAudio ships one packet of encoded audio anchored at the given
// frame timestamp. The first packet of a stream is flagged so the
// receiver can reset its sequence tracking.
func (t *Transport) SendAudio(timestamp uint32, payload []byte) error {
	addr, err := t.client()
	if err != nil {
		return err
	}

	t.mu.Lock()
	first := !t.sentFirst
	t.sentFirst = true
	sessionID := t.sessionID
	t.mu.Unlock()

	pkt := make([]byte, HeaderSize+8+len(payload))
	h := Header{
		Extension:   true,
		Marker:      first,
		PayloadType: PayloadAudioData,
		SeqNum:      uint16(timestamp / FramesPerPacket),
	}.Encode()
	copy(pkt, h[:])
	binary.BigEndian.PutUint32(pkt[HeaderSize:], timestamp)
	binary.BigEndian.PutUint32(pkt[HeaderSize+4:], sessionID)
	copy(pkt[HeaderSize+8:], payload)

	_, err = t.conn.WriteToUDP(pkt, addr)
	return err
}

// SendSync emits one sync beacon pairing the next chunk's frame
// timestamp with the wall clock.
func (t *Transport) SendSync(nextChunkTs, latency uint32, isFirst bool) error {
	addr, err := t.client()
	if err != nil {
		return err
	}

	pkt := make([]byte, HeaderSize+4+NTPSize+4)
	h := Header{
		Extension:   isFirst,
		Marker:      true,
		PayloadType: PayloadSync,
		SeqNum:      7,
	}.Encode()
	copy(pkt, h[:])
	binary.BigEndian.PutUint32(pkt[HeaderSize:], nextChunkTs-latency)
	EncodeNTP(pkt[HeaderSize+4:], clock.Now())
	binary.BigEndian.PutUint32(pkt[HeaderSize+4+NTPSize:], nextChunkTs)

	_, err = t.conn.WriteToUDP(pkt, addr)
	return err
}

// Close shuts the socket down.
func (t *Transport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return t.conn.Close()
}
