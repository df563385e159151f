package ping

import (
	"github.com/nerrad567/fleetdash/internal/correlator"
)

// Codec encodes correlator requests as Ping and decodes Pong replies.
type Codec struct{}

var _ correlator.Codec = Codec{}

// EncodeRequest builds a Ping addressed to req.Key.
func (Codec) EncodeRequest(req correlator.Request) ([]byte, error) {
	p := Ping{
		Target: req.Key,
		Token:  req.Token,
		Body:   req.Body,
	}
	if !req.SentAt.IsZero() {
		p.SentUnixMs = req.SentAt.UnixMilli()
	}
	return p.Marshal(), nil
}

// DecodeReply extracts the answering peer and echoed token from a Pong.
func (Codec) DecodeReply(payload []byte) (correlator.Reply, error) {
	p, err := UnmarshalPong(payload)
	if err != nil {
		return correlator.Reply{}, err
	}
	return correlator.Reply{Key: p.Peer, Token: p.Token}, nil
}
