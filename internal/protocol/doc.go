// Package protocol owns the PulseAudio native wire contract.
//
// Ownership boundary:
// - error classes shared by every protocol package
// - tagstruct value codec (tagstruct)
// - packet framing (frame)
// - command codes and reply shapes (schema)
// - request correlation and event fan-out (session)
package protocol
