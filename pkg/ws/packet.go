package ws

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/gorilla/websocket"
)

// InPacket is a partially decoded inbound frame. The payload is decoded into
// a concrete type by the handler for its type discriminator.
type InPacket struct {
	ConnID  string          `json:"-"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// OutPacket is an outbound frame.
type OutPacket struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

func partiallyDecodeInPacket(t int, r io.Reader) (*InPacket, error) {
	if t != websocket.TextMessage {
		return nil, fmt.Errorf("unexpected message type: %d", t)
	}

	var packet InPacket
	if err := json.NewDecoder(r).Decode(&packet); err != nil {
		return nil, fmt.Errorf("json.Decoder.Decode: %w", err)
	}
	return &packet, nil
}

func encodeOutPacket(next func(t int) (io.WriteCloser, error), packet *OutPacket) error {
	w, err := next(websocket.TextMessage)
	if err != nil {
		return fmt.Errorf("NextWriter: %w", err)
	}
	defer w.Close()

	if err := json.NewEncoder(w).Encode(packet); err != nil {
		return fmt.Errorf("json.Encoder.Encode: %w", err)
	}
	return nil
}
