package progression

import (
	"encoding/binary"
	"encoding/hex"
	"math"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/alem-hub/progression-engine/internal/domain/shared"
)

// Submission is the answer sheet that accompanies a quiz score.
type Submission struct {
	Score   float64  `json:"score"`
	Answers []string `json:"answers"`
}

// ProgressEvent is one client report. It is never stored; it is folded into
// the NodeProgress record it targets.
//
// Delta is watched seconds since the previous report for VIDEO nodes and an
// absolute score for every other node type.
type ProgressEvent struct {
	UserID          string      `json:"user_id"`
	NodeID          string      `json:"node_id"`
	Delta           float64     `json:"delta"`
	Submission      *Submission `json:"submission,omitempty"`
	DeviceID        string      `json:"device_id"`
	ClientTimestamp time.Time   `json:"client_timestamp"`
	IdempotencyKey  string      `json:"idempotency_key"`
}

// MaxIdempotencyKeyLength bounds client-supplied keys.
const MaxIdempotencyKeyLength = 128

// Validate checks the event's shape. Plausibility is the Validator's job.
func (e ProgressEvent) Validate() error {
	const op = "ValidateEvent"
	switch {
	case strings.TrimSpace(e.UserID) == "":
		return shared.NewDomainError("progress", op, shared.ErrInvalidInput, "user id is required")
	case strings.TrimSpace(e.NodeID) == "":
		return shared.NewDomainError("progress", op, shared.ErrInvalidInput, "node id is required")
	case strings.TrimSpace(e.IdempotencyKey) == "":
		return shared.NewDomainError("progress", op, shared.ErrInvalidInput, "idempotency key is required")
	case len(e.IdempotencyKey) > MaxIdempotencyKeyLength:
		return shared.Errorf("progress", op, shared.ErrInvalidInput, "idempotency key longer than %d bytes", MaxIdempotencyKeyLength)
	}
	return nil
}

// Fingerprint is a BLAKE2b-256 digest of the payload. Two events with the
// same idempotency key must have the same fingerprint, otherwise the key is
// being reused for a different report.
func (e ProgressEvent) Fingerprint() string {
	h, _ := blake2b.New256(nil) // only fails for keys longer than 64 bytes

	writeString := func(s string) {
		var n [8]byte
		binary.BigEndian.PutUint64(n[:], uint64(len(s)))
		h.Write(n[:])
		h.Write([]byte(s))
	}
	writeFloat := func(f float64) {
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], math.Float64bits(f))
		h.Write(b[:])
	}

	writeString(e.UserID)
	writeString(e.NodeID)
	writeString(e.DeviceID)
	writeString(e.IdempotencyKey)
	writeFloat(e.Delta)

	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(e.ClientTimestamp.UnixNano()))
	h.Write(ts[:])

	if e.Submission != nil {
		h.Write([]byte{1})
		writeFloat(e.Submission.Score)
		writeFloat(float64(len(e.Submission.Answers)))
		for _, a := range e.Submission.Answers {
			writeString(a)
		}
	} else {
		h.Write([]byte{0})
	}

	return hex.EncodeToString(h.Sum(nil))
}
