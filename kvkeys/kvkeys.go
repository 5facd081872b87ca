// Package kvkeys centralizes the shared key-value store key names and
// prefixes defined in spec.md §6, so that every component derives storage
// keys the exact same way.
package kvkeys

import "github.com/joshlacal/mlscore/userid"

const (
	// PrefixHandshakeCounter namespaces the per-user handshake token counter.
	PrefixHandshakeCounter = "mls_handshake_counter."
	// PrefixHandshakeRequest namespaces the per-user pending will-close request.
	PrefixHandshakeRequest = "mls_handshake_request."
	// PrefixHandshakeAck namespaces the per-user latest acknowledgment.
	PrefixHandshakeAck = "mls_handshake_ack."
	// PrefixStateVersion namespaces the per-user state version.
	PrefixStateVersion = "mls_state_version."

	// GlobalStateVersion is the key for the cross-user activity counter.
	GlobalStateVersion = "mls_global_state_version"

	// MainAppIsActive is the key for the account-activity flag's bool field.
	MainAppIsActive = "mls_main_app_is_active"
	// MainAppActiveUserDID is the key for the account-activity flag's user field.
	MainAppActiveUserDID = "mls_main_app_active_user_did"
	// MainAppActivityUpdatedAt is the key for the account-activity flag's timestamp field.
	MainAppActivityUpdatedAt = "mls_main_app_activity_updated_at"
)

// HandshakeCounterKey returns the storage key for user's handshake counter.
func HandshakeCounterKey(user userid.ID) string {
	return PrefixHandshakeCounter + user.Hash()
}

// HandshakeRequestKey returns the storage key for user's pending will-close request.
func HandshakeRequestKey(user userid.ID) string {
	return PrefixHandshakeRequest + user.Hash()
}

// HandshakeAckKey returns the storage key for user's latest acknowledgment.
func HandshakeAckKey(user userid.ID) string {
	return PrefixHandshakeAck + user.Hash()
}

// StateVersionKey returns the storage key for user's state version.
func StateVersionKey(user userid.ID) string {
	return PrefixStateVersion + user.Hash()
}
