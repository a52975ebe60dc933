// Package obfs implements the repeating-key XOR transform applied to packet
// payloads by the wire codec.
//
// The transform is self-inverse: applying it twice with the same key restores
// the original bytes. It exists so that ferry frames do not look like plain
// file content to other binary traffic sharing the same channel. It is NOT
// encryption and must never be treated as a confidentiality boundary.
//
// Keys are generated locally with NewKey and must be supplied to both ends of
// a transfer out of band; this package performs no key exchange.
package obfs
