package model

// TrustLogEntry is one line of the hash-chained audit log.
//
// SHA256 = SHA-256(SHA256Prev || canonical(entry without hash fields)),
// stored as lowercase hex. The genesis entry of a chain has an empty
// SHA256Prev (serialized as null).
type TrustLogEntry struct {
	RequestID  string         `json:"request_id"`
	CreatedAt  string         `json:"created_at"` // ISO-8601 UTC
	Stage      string         `json:"stage"`
	Payload    map[string]any `json:"payload"`
	SHA256Prev *string        `json:"sha256_prev"`
	SHA256     string         `json:"sha256"`
}

// ChainBreak describes the first divergence found during verification.
type ChainBreak struct {
	File     string `json:"file"`
	Line     int    `json:"line"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
	Reason   string `json:"reason"`
}

// VerifyResult is the outcome of a full chain verification. MerkleRoot is a
// Merkle root over all entry hashes in chain order; auditors can record it
// externally and compare on a later verification.
type VerifyResult struct {
	OK         bool         `json:"ok"`
	Entries    int          `json:"entries"`
	Files      int          `json:"files"`
	MerkleRoot string       `json:"merkle_root,omitempty"`
	Breaks     []ChainBreak `json:"breaks,omitempty"`
}
