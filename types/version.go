//nolint:revive // types is a common Go package naming convention
package types

// Version is the canonical project version.
// The CLI, wire protocol and event payloads share this version.
const Version = "0.4.2"

// ProtocolVersion is stamped on outbound integration events.
// It tracks Version in lockstep.
const ProtocolVersion = Version
