package ping

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrMalformed is returned for payloads that are not valid ping messages.
var ErrMalformed = errors.New("ping: malformed message")

// Ping is a latency probe. It is broadcast on the ping topic; only the
// peer named by Target answers, or every peer when Target is empty.
//
// Wire format (protobuf):
//
//	message Ping {
//	  string target       = 1;
//	  string token        = 2;
//	  int64  sent_unix_ms = 3;
//	  bytes  body         = 4;
//	}
type Ping struct {
	Target     string
	Token      string
	SentUnixMs int64
	Body       []byte
}

// Pong answers a Ping, echoing its token.
//
// Wire format (protobuf):
//
//	message Pong {
//	  string peer              = 1;
//	  string token             = 2;
//	  int64  ping_sent_unix_ms = 3;
//	  bytes  body              = 4;
//	  int64  replied_unix_ms   = 5;
//	}
type Pong struct {
	Peer           string
	Token          string
	PingSentUnixMs int64
	Body           []byte
	RepliedUnixMs  int64
}

// Marshal encodes p. Zero-valued fields are omitted.
func (p Ping) Marshal() []byte {
	var b []byte
	b = appendString(b, 1, p.Target)
	b = appendString(b, 2, p.Token)
	b = appendInt64(b, 3, p.SentUnixMs)
	b = appendBytes(b, 4, p.Body)
	return b
}

// UnmarshalPing decodes a Ping. Unknown fields are skipped.
func UnmarshalPing(data []byte) (Ping, error) {
	var p Ping
	err := consumeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			p.Target = v
			return n, nil
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			p.Token = v
			return n, nil
		case num == 3 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			p.SentUnixMs = int64(v)
			return n, nil
		case num == 4 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			p.Body = append([]byte(nil), v...)
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	if err != nil {
		return Ping{}, err
	}
	if p.Token == "" {
		return Ping{}, fmt.Errorf("%w: missing token", ErrMalformed)
	}
	return p, nil
}

// Marshal encodes p. Zero-valued fields are omitted.
func (p Pong) Marshal() []byte {
	var b []byte
	b = appendString(b, 1, p.Peer)
	b = appendString(b, 2, p.Token)
	b = appendInt64(b, 3, p.PingSentUnixMs)
	b = appendBytes(b, 4, p.Body)
	b = appendInt64(b, 5, p.RepliedUnixMs)
	return b
}

// UnmarshalPong decodes a Pong. Unknown fields are skipped.
func UnmarshalPong(data []byte) (Pong, error) {
	var p Pong
	err := consumeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			p.Peer = v
			return n, nil
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			p.Token = v
			return n, nil
		case num == 3 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			p.PingSentUnixMs = int64(v)
			return n, nil
		case num == 4 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			p.Body = append([]byte(nil), v...)
			return n, nil
		case num == 5 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			p.RepliedUnixMs = int64(v)
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	if err != nil {
		return Pong{}, err
	}
	if p.Peer == "" || p.Token == "" {
		return Pong{}, fmt.Errorf("%w: missing peer or token", ErrMalformed)
	}
	return p, nil
}

// consumeFields walks every field in data, handing each value to fn.
// fn returns the number of bytes it consumed or a negative protowire code.
func consumeFields(data []byte, fn func(protowire.Number, protowire.Type, []byte) (int, error)) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("%w: %w", ErrMalformed, protowire.ParseError(n))
		}
		data = data[n:]

		m, err := fn(num, typ, data)
		if err != nil {
			return err
		}
		if m < 0 {
			return fmt.Errorf("%w: field %d: %w", ErrMalformed, num, protowire.ParseError(m))
		}
		data = data[m:]
	}
	return nil
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendInt64(b []byte, num protowire.Number, v int64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}
