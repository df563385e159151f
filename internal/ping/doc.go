// Package ping implements the latency probe exchanged between the dashboard
// and fleet peers.
//
// The dashboard broadcasts a Ping on the shared ping topic naming its
// target peer and carrying a correlation token. The target answers with a
// Pong on the shared pong topic, echoing the token, and the correlator
// matches it to the pending probe. Messages use the protobuf wire format so
// peers written against a .proto schema interoperate.
package ping
