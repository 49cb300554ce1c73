// Package protocol owns the line protocol: framing of the receive buffer,
// decoding of one line into a Message and formatting of replies.
//
// Ownership boundary:
// - line framing and receive caps (Accumulator)
// - message grammar (Parser)
// - numeric reply codes and reply lines
package protocol
