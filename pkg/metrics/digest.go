package metrics

// DigestMetrics observes the Digest authenticator and its nonce cache.
type DigestMetrics interface {
	// RecordAuthentication counts one verification attempt.
	//
	// outcome is one of "success", "failure", "stale" or "challenge".
	RecordAuthentication(outcome string)

	// RecordNonceIssued counts nonces handed out in challenges.
	RecordNonceIssued()

	// RecordNonceEvicted counts nonces evicted from a full cache. stillValid
	// is true when the evicted nonce had not expired yet.
	RecordNonceEvicted(stillValid bool)

	// RecordReplay counts rejected nonce counts.
	RecordReplay()

	// SetNonceCacheSize updates the number of cached nonces.
	SetNonceCacheSize(n int)
}
