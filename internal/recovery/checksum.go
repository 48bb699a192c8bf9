package recovery

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/ctxvault/ctxvault/internal/persistence"
)

// checksumEnvelope fixes the field order so the digest is stable across
// checkpoint save and validation.
type checksumEnvelope struct {
	State   persistence.SessionRecord  `json:"state"`
	Entries []persistence.ContextEntry `json:"entries"`
}

// ComputeChecksum digests the session state and its ordered context entries.
// Any change to a restored field or entry produces a different digest.
func ComputeChecksum(state persistence.SessionRecord, entries []persistence.ContextEntry) (string, error) {
	raw, err := json.Marshal(checksumEnvelope{State: state, Entries: entries})
	if err != nil {
		return "", fmt.Errorf("marshal checksum envelope: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// Integrity verdicts for a validated checkpoint.
const (
	IntegrityValid     = "valid"
	IntegrityPartial   = "partial"
	IntegrityCorrupted = "corrupted"
)

// ValidateCheckpoint recomputes the digest and entry counts of a stored
// checkpoint. A structural mismatch (count, last sequence, or a gap in the
// snapshot's sequence run) downgrades to partial; a digest mismatch is
// corruption.
func ValidateCheckpoint(rec *persistence.CheckpointRecord) (string, error) {
	checksum, err := ComputeChecksum(rec.SessionState, rec.ContextSnapshot)
	if err != nil {
		return IntegrityCorrupted, err
	}
	if checksum != rec.Integrity.Checksum {
		return IntegrityCorrupted, nil
	}
	if len(rec.ContextSnapshot) != rec.Integrity.ContextEntriesCount {
		return IntegrityPartial, nil
	}
	if n := len(rec.ContextSnapshot); n > 0 && rec.ContextSnapshot[n-1].SequenceNumber != rec.Integrity.LastSequenceNumber {
		return IntegrityPartial, nil
	}
	// The snapshot must be one contiguous run. A start above 1 is legal
	// because partial restores truncate the head of the history.
	for i := 1; i < len(rec.ContextSnapshot); i++ {
		if rec.ContextSnapshot[i].SequenceNumber != rec.ContextSnapshot[i-1].SequenceNumber+1 {
			return IntegrityPartial, nil
		}
	}
	return IntegrityValid, nil
}
