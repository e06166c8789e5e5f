// Package fragments provides low-level encoding and decoding helpers
// for the bus wire format.
//
// The encoder and decoder only know about alignment, byte order and
// framing of basic values, arrays and structs. They do not know about
// tagged values or signatures: package dsb layers that on top.
package fragments
