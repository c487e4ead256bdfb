package errorsx

// ReasonCode is a short machine-readable error reason. It doubles as the
// `code` field of wire error messages.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonUpstreamTimeout      ReasonCode = "upstream_timeout"
	ReasonUpstreamRateLimit    ReasonCode = "upstream_rate_limit"
	ReasonUpstreamInvalidAudio ReasonCode = "upstream_invalid_audio"
	ReasonUpstreamConnect      ReasonCode = "upstream_connect"
	ReasonUpstreamFailed       ReasonCode = "upstream_failed"

	ReasonStoreConnect    ReasonCode = "store_connect"
	ReasonStorePermission ReasonCode = "store_permission"
	ReasonStoreSchema     ReasonCode = "store_schema"
	ReasonStoreQuery      ReasonCode = "store_query"
	ReasonQueuePersist    ReasonCode = "queue_persist"

	ReasonMalformedMessage ReasonCode = "malformed_message"
	ReasonUnknownMessage   ReasonCode = "unknown_message"
	ReasonUnknownCommand   ReasonCode = "unknown_command"

	ReasonRecordingConflict ReasonCode = "recording_conflict"
	ReasonOperatorMismatch  ReasonCode = "operator_mismatch"
	ReasonNotRegistered     ReasonCode = "not_registered"
	ReasonNoLeader          ReasonCode = "no_leader"
	ReasonAudioBound        ReasonCode = "audio_already_bound"
)

// Recoverable reports whether a client can expect the condition to clear
// without operator action.
func Recoverable(reason ReasonCode) bool {
	switch reason {
	case ReasonUpstreamFailed, ReasonStorePermission, ReasonStoreSchema,
		ReasonRecordingConflict, ReasonOperatorMismatch, ReasonAudioBound:
		return false
	default:
		return true
	}
}
