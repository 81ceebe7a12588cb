package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// ComputeHash: SHA-256 от канонического JSON события с пустым Hash.
func ComputeHash(e Event) (string, error) {
	e.Hash = ""
	data, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("audit: failed to marshal event for hashing: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// ChainError указывает на первое нарушение цепочки.
type ChainError struct {
	Seq    int64
	Reason string
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("audit chain broken at seq %d: %s", e.Seq, e.Reason)
}

// Verify проверяет непрерывность seq, связку prev_hash и сами хэши.
// Ожидается срез в порядке поступления, начиная с любого seq.
func Verify(events []Event) error {
	for i, e := range events {
		if i > 0 {
			prev := events[i-1]
			if e.Seq != prev.Seq+1 {
				return &ChainError{Seq: e.Seq, Reason: fmt.Sprintf("expected seq %d", prev.Seq+1)}
			}
			if e.PrevHash != prev.Hash {
				return &ChainError{Seq: e.Seq, Reason: "prev_hash does not match previous event"}
			}
		}
		h, err := ComputeHash(e)
		if err != nil {
			return err
		}
		if h != e.Hash {
			return &ChainError{Seq: e.Seq, Reason: "hash mismatch"}
		}
	}
	return nil
}
