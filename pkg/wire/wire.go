// Package wire implements the request/response envelope: a single message
// carrying a type discriminator and one populated variant, framed
// length-prefixed over a stream socket so it is compact and
// schema-evolvable (adding a field never breaks an older decoder).
package wire

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/cuemby/relaymesh/pkg/types"
)

// MsgType discriminates the populated Envelope variant.
type MsgType string

const (
	MsgRegisterReq  MsgType = "REGISTER_REQ"
	MsgRegisterResp MsgType = "REGISTER_RESP"
	MsgIsReadyReq   MsgType = "ISREADY_REQ"
	MsgIsReadyResp  MsgType = "ISREADY_RESP"
	MsgLookupReq    MsgType = "LOOKUP_REQ"
	MsgLookupResp   MsgType = "LOOKUP_RESP"
)

// RegisterReq is the register request variant.
type RegisterReq struct {
	Registrant types.Registrant `json:"registrant"`
}

// RegisterResp echoes success/failure for a register request.
type RegisterResp struct {
	Success bool   `json:"success"`
	Reason  string `json:"reason,omitempty"`
}

// IsReadyReq is the readiness-poll request variant. The DHT-carrier fields
// are populated only in DHT mode.
type IsReadyReq struct {
	VisitedNodes      []string `json:"visited_nodes,omitempty"`
	RegisteredPubs    int      `json:"registered_pubs,omitempty"`
	RegisteredSubs    int      `json:"registered_subs,omitempty"`
	RegisteredBrokers int      `json:"registered_brokers,omitempty"`
}

// IsReadyResp answers a readiness poll.
type IsReadyResp struct {
	Ready bool `json:"ready"`
}

// LookupReq is the lookup request variant.
type LookupReq struct {
	Topics    []string        `json:"topics"`
	Requester types.Requester `json:"requester"`
	All       bool            `json:"all"`

	// DHT-carrier fields.
	VisitedNodes       []string         `json:"visited_nodes,omitempty"`
	SocketsToConnectTo []types.Endpoint `json:"sockets_to_connect_to,omitempty"`
}

// LookupResp answers a lookup request with the resolved endpoints.
type LookupResp struct {
	Endpoints []types.Endpoint `json:"endpoints"`
}

// Envelope is the single wire message. Exactly one of the variant pointers
// is non-nil, matching Type.
type Envelope struct {
	Type          MsgType `json:"type"`
	TimestampSent int64   `json:"timestamp_sent"`

	Register  *RegisterReq  `json:"register,omitempty"`
	RegisterR *RegisterResp `json:"register_r,omitempty"`
	IsReady   *IsReadyReq   `json:"is_ready,omitempty"`
	IsReadyR  *IsReadyResp  `json:"is_ready_r,omitempty"`
	Lookup    *LookupReq    `json:"lookup,omitempty"`
	LookupR   *LookupResp   `json:"lookup_r,omitempty"`
}

const maxFrameSize = 16 << 20 // 16 MiB, generous for registration/lookup payloads

// WriteFrame encodes env as JSON and writes it length-prefixed to w.
func WriteFrame(w io.Writer, env Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("wire: marshal envelope: %w", err)
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(body)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("wire: write length prefix: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("wire: write body: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed JSON envelope from r.
func ReadFrame(r *bufio.Reader) (Envelope, error) {
	var env Envelope
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return env, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxFrameSize {
		return env, fmt.Errorf("wire: frame too large: %d bytes", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return env, fmt.Errorf("wire: read body: %w", err)
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return env, fmt.Errorf("wire: unmarshal envelope: %w", err)
	}
	return env, nil
}

// WriteRaw writes a length-prefixed raw byte frame, the framing FanOut/FanIn
// use for topic fan-out (no envelope wrapping, since verbatim forwarding
// means the broker never decodes these frames at all).
func WriteRaw(w io.Writer, frame []byte) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(frame)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("wire: write raw length prefix: %w", err)
	}
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("wire: write raw body: %w", err)
	}
	return nil
}

// ReadRaw reads one length-prefixed raw byte frame from r.
func ReadRaw(r *bufio.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxFrameSize {
		return nil, fmt.Errorf("wire: raw frame too large: %d bytes", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("wire: read raw body: %w", err)
	}
	return body, nil
}

// EncodeRecord frames a PublishRecord for topic fan-out: the topic, a NUL
// delimiter, then the JSON record.
func EncodeRecord(rec types.PublishRecord) ([]byte, error) {
	body, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal record: %w", err)
	}
	out := make([]byte, 0, len(rec.Topic)+1+len(body))
	out = append(out, rec.Topic...)
	out = append(out, 0)
	out = append(out, body...)
	return out, nil
}

// DecodeRecord splits a topic-prefixed fan-out frame back into its topic
// and PublishRecord.
func DecodeRecord(frame []byte) (string, types.PublishRecord, error) {
	var rec types.PublishRecord
	idx := -1
	for i, b := range frame {
		if b == 0 {
			idx = i
			break
		}
	}
	if idx < 0 {
		return "", rec, fmt.Errorf("wire: malformed record frame: no delimiter")
	}
	topic := string(frame[:idx])
	if err := json.Unmarshal(frame[idx+1:], &rec); err != nil {
		return "", rec, fmt.Errorf("wire: unmarshal record: %w", err)
	}
	return topic, rec, nil
}

// TopicOf returns the topic prefix of a fan-out frame without a full
// decode, for cheap matching against FanIn's Subscribe prefixes.
func TopicOf(frame []byte) string {
	for i, b := range frame {
		if b == 0 {
			return string(frame[:i])
		}
	}
	return ""
}

// EncodeTagged frames an arbitrary tagged payload the same way topic
// records are framed: tag, NUL delimiter, body. The sync channel's
// "sub"/"unsub"/"discovery" messages use this shape with a JSON body, so
// the same FanOut/FanIn prefix filter that serves topic fan-out serves
// sync-channel tags for free.
func EncodeTagged(tag string, body []byte) []byte {
	out := make([]byte, 0, len(tag)+1+len(body))
	out = append(out, tag...)
	out = append(out, 0)
	out = append(out, body...)
	return out
}

// DecodeTagged splits a tagged frame back into its tag and body. body is
// nil if frame has no delimiter.
func DecodeTagged(frame []byte) (tag string, body []byte) {
	idx := bytes.IndexByte(frame, 0)
	if idx < 0 {
		return string(frame), nil
	}
	return string(frame[:idx]), frame[idx+1:]
}
