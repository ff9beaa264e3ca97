// package fragments provides low-level encoding and decoding helpers
// to construct and parse DBus messages.
//
// The provided encoder and decoder are very low level, and do not
// encode any DBus semantics beyond alignment and the framing of
// primitive values. It is the caller's responsibility to produce
// valid DBus messages using these tools.
//
// The decoder reads from a buffer that is filled incrementally as
// bytes arrive from a stream. Reads that outrun the buffered data
// report [ErrIncomplete], and the caller rewinds and retries once
// more bytes have been fed. This lets a connection's read loop
// attempt a decode after every read without tracking message
// boundaries itself.
package fragments
