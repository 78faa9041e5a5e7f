// Package session correlates requests with replies on one PulseAudio
// connection and fans server events out to subscribers.
//
// Ownership boundary:
// - request tag allocation and the pending table
// - the read loop that feeds the frame decoder
// - reply decoding by the original request's command
// - subscription event filtering and notification delivery
// - the auth / client-name handshake
// - reconnect backoff shared with the connect layer
package session
