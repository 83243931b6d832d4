// Package codec holds the text primitives the composer is built on: address
// list parsing, RFC 2047 encoded words, quoted-printable bodies, header
// folding, HTML to text stripping and file extension to media type lookup.
package codec
