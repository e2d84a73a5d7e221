// Package netconf implements the client side of a NETCONF session over an SSH
// subsystem channel.
//
// The Network Configuration Protocol (NETCONF) provides mechanisms to install,
// manipulate, and delete the configuration of network devices. It uses an
// Extensible Markup Language (XML)-based data encoding for the configuration data
// as well as the protocol messages.
//
// This package provides message framing only: the end-of-message framing of
// NETCONF 1.0 and the chunked framing of NETCONF 1.1 (RFC 6242). The session always
// starts with 1.0 framing; the caller inspects the exchanged hello messages (see
// Negotiate) and switches the session to 1.1 with SetLevel.
package netconf
