// ABOUTME: Chunk streaming between peers over the control link
// ABOUTME: Opus-compressed chunks ride sourceChunk control messages
package source

import (
	"encoding/base64"
	"fmt"
	"log"

	"github.com/Soundmesh-Protocol/soundmesh-go/internal/audio"
	"github.com/Soundmesh-Protocol/soundmesh-go/internal/peer"
	"github.com/Soundmesh-Protocol/soundmesh-go/internal/protocol"
)

// MessageTypeSourceChunk carries one encoded chunk on the peer link.
const MessageTypeSourceChunk protocol.MessageType = "sourceChunk"

// chunkMessage is the wire form of one chunk. Data is the Opus packet
// for the chunk's fixed frame count.
type chunkMessage struct {
	SourceID  string  `json:"source_id"`
	Index     int64   `json:"index"`
	Data      string  `json:"data"`
	StartedAt float64 `json:"started_at"`
	LatencyMs float64 `json:"latency_ms"`
	Channels  int     `json:"channels"`
	Name      string  `json:"name,omitempty"`
}

func decodeChunkMessage(env protocol.Envelope) (chunkMessage, error) {
	var m chunkMessage
	if err := protocol.DecodePayload(env, &m); err != nil {
		return chunkMessage{}, err
	}
	if m.SourceID == "" || m.Channels <= 0 {
		return chunkMessage{}, fmt.Errorf("sourceChunk: missing source id or channels")
	}
	return m, nil
}

// Sender ships a local source's chunks to one peer.
type Sender struct {
	src    *Source
	target *peer.Peer
	enc    *OpusEncoder
}

// NewSender creates a sender for the source toward the target peer.
// The source must run at the Opus encoder rate.
func NewSender(src *Source, target *peer.Peer) (*Sender, error) {
	format := src.Format()
	if format.SampleRate != OpusEncoderRate {
		return nil, fmt.Errorf("source rate %d, sender requires %d", format.SampleRate, OpusEncoderRate)
	}
	enc, err := NewOpusEncoder(format.Channels)
	if err != nil {
		return nil, err
	}
	return &Sender{src: src, target: target, enc: enc}, nil
}

// Run pumps chunks until the source closes. Encode or send failures
// drop the chunk; the stream carries on.
func (s *Sender) Run() {
	format := s.src.Format()
	for chunk := range s.src.Chunks() {
		packet, err := s.enc.Encode(chunk.Samples)
		if err != nil {
			log.Printf("Sender %s: encode chunk %d failed: %v", s.src.ID, chunk.Index, err)
			continue
		}

		msg := chunkMessage{
			SourceID:  s.src.ID,
			Index:     chunk.Index,
			Data:      base64.StdEncoding.EncodeToString(packet),
			StartedAt: s.src.StartedAt(),
			LatencyMs: s.src.LatencyMs(),
			Channels:  format.Channels,
			Name:      s.src.Name(),
		}
		if err := s.target.SendMessage(MessageTypeSourceChunk, msg); err != nil {
			log.Printf("Sender %s: send chunk %d failed: %v", s.src.ID, chunk.Index, err)
		}
	}
}

// Receiver reconstructs a remote peer's source from inbound chunk
// messages. The rebuilt Source is anchored on the owner peer's clock,
// exactly like a local one.
type Receiver struct {
	owner  *peer.Peer
	src    *Source
	dec    *OpusDecoder
	remove func()
}

// NewReceiver subscribes to sourceChunk messages from the peer. The
// Source materializes on the first chunk.
func NewReceiver(owner *peer.Peer, onSource func(*Source)) *Receiver {
	r := &Receiver{owner: owner}
	r.remove = owner.OnMessage(MessageTypeSourceChunk, func(env protocol.Envelope) {
		r.handle(env, onSource)
	})
	return r
}

func (r *Receiver) handle(env protocol.Envelope, onSource func(*Source)) {
	msg, err := decodeChunkMessage(env)
	if err != nil {
		log.Printf("Receiver: dropping bad chunk message: %v", err)
		return
	}

	if r.src == nil {
		dec, err := NewOpusDecoder(msg.Channels)
		if err != nil {
			log.Printf("Receiver: decoder setup failed: %v", err)
			return
		}
		r.dec = dec
		r.src = New(Config{
			ID:          msg.SourceID,
			Name:        msg.Name,
			Peer:        r.owner,
			Format:      audio.Format{SampleRate: OpusEncoderRate, Channels: msg.Channels},
			ChunkFrames: OpusChunkFrames,
			StartedAt:   msg.StartedAt,
			LatencyMs:   msg.LatencyMs,
		})
		onSource(r.src)
	}

	// Parameter changes ride on every chunk; fold them in.
	if r.src.StartedAt() != msg.StartedAt {
		r.src.SetStartedAt(msg.StartedAt)
	}
	if r.src.LatencyMs() != msg.LatencyMs {
		r.src.SetLatencyMs(msg.LatencyMs)
	}

	packet, err := base64.StdEncoding.DecodeString(msg.Data)
	if err != nil {
		log.Printf("Receiver: bad chunk payload: %v", err)
		return
	}
	pcm, err := r.dec.Decode(packet)
	if err != nil {
		log.Printf("Receiver: decode chunk %d failed: %v", msg.Index, err)
		return
	}

	r.src.Push(audio.Chunk{Index: msg.Index, Samples: pcm})
}

// Close detaches the receiver and closes the rebuilt source.
func (r *Receiver) Close() {
	r.remove()
	if r.src != nil {
		r.src.Close()
	}
}
