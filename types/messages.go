//nolint:revive // types is a common Go package naming convention
package types

// StatusAlive is the only status value a source announces.
const StatusAlive = "alive"

// Status is the heartbeat a source publishes on connect.
// PendingCount announces the size of its unsent backlog.
type Status struct {
	SourceID     string
	Status       string
	PendingCount int
}

// CommandKind discriminates server-to-source commands.
type CommandKind string

// Command kinds.
const (
	CommandCaptureImage CommandKind = "capture_image"
	CommandSendImage    CommandKind = "send_image"
	CommandNextWake     CommandKind = "next_wake"
)

// Command is an out-of-band directive from the server to a source.
// Commands never drive a transfer session's state machine.
type Command struct {
	Kind CommandKind
	// ArtifactName is set for CommandSendImage.
	ArtifactName string
	// NextWake is set for CommandNextWake (RFC 3339 timestamp).
	NextWake string
}

// Ack is the receiver's answer to a transfer: either a missing-chunk
// notice or a success acknowledgment.
type Ack struct {
	// ArtifactName optionally names the artifact the ack refers to.
	// Empty means "the artifact currently in flight".
	ArtifactName string
	// MissingChunks lists indices to resend, ascending. Nil on success.
	MissingChunks []int
	// OK is set on success.
	OK *AckOK
}

// AckOK carries the success directive.
type AckOK struct {
	// NextWakeTime tells the source when to wake next (RFC 3339).
	NextWakeTime string
}

// IsSuccess reports whether the ack is a success acknowledgment.
func (a Ack) IsSuccess() bool {
	return a.OK != nil
}

// Matches reports whether the ack may apply to the named artifact.
func (a Ack) Matches(artifactName string) bool {
	return a.ArtifactName == "" || a.ArtifactName == artifactName
}
