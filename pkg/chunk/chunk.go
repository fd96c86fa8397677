// Package chunk splits serialized packets into size-bounded frames that fit a constrained
// transport's per-write budget, and reassembles them on receipt.
//
// Each frame is self-describing (index, total, checksum) so frames can arrive out of order. The
// checksum is a cheap 32-bit polynomial rolling hash that detects transport corruption only;
// cryptographic integrity is provided separately by the envelope signature layer.
package chunk

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// MinPayloadBytes is the smallest per-write budget Split will attempt to work within. Below this
// the frame envelope overhead dominates and no data slice fits.
const MinPayloadBytes = 64

// minSliceBytes is the floor for the per-frame data slice, one base64 group; Split fails rather
// than shrinking further.
const minSliceBytes = 3

var (
	ErrBudgetTooSmall  = errors.New("chunk: payload budget too small for frame envelope")
	ErrNoChunks        = errors.New("chunk: no chunks to reassemble")
	ErrTotalMismatch   = errors.New("chunk: declared total does not match chunk count")
	ErrNonContiguous   = errors.New("chunk: indices are not contiguous")
	ErrInconsistentSet = errors.New("chunk: chunks declare different totals")
)

// Chunk is one fragment of a larger serialized payload. Data is base64; Checksum is the lowercase
// hex rolling hash over the encoded Data string.
type Chunk struct {
	Index    int    `json:"index"`
	Total    int    `json:"total"`
	Data     string `json:"data"`
	Checksum string `json:"checksum"`
}

// Checksum computes the 32-bit polynomial rolling hash over data, rendered as 8 lowercase hex
// digits. The polynomial (h*31 + b mod 2^32) matches the peer implementation and must not change.
func Checksum(data string) string {
	var h uint32
	for i := 0; i < len(data); i++ {
		h = h*31 + uint32(data[i])
	}
	return fmt.Sprintf("%08x", h)
}

// ChecksumError identifies which frame failed validation during reassembly.
type ChecksumError struct {
	Index    int
	Expected string
	Observed string
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("chunk: frame %d checksum mismatch (declared %s, computed %s)", e.Index, e.Expected, e.Observed)
}

// fitSliceLen finds the largest data slice length whose serialized frame fits within
// maxPayloadBytes, shrinking by 25% steps with a floor of minSliceBytes. The probe frame carries
// the widest index and total the payload would produce at the candidate slice length, so the fit
// holds for every frame of the set.
func fitSliceLen(data []byte, maxPayloadBytes int) (int, error) {
	sliceLen := maxPayloadBytes
	if sliceLen > len(data) {
		sliceLen = len(data)
	}
	if sliceLen == 0 {
		sliceLen = 1
	}
	for {
		total := (len(data) + sliceLen - 1) / sliceLen
		if total == 0 {
			total = 1
		}
		probe := Chunk{
			Index: total - 1,
			Total: total,
			Data:  base64.StdEncoding.EncodeToString(data[:min(sliceLen, len(data))]),
		}
		probe.Checksum = Checksum(probe.Data)
		encoded, err := json.Marshal(&probe)
		if err != nil {
			return 0, err
		}
		if len(encoded) <= maxPayloadBytes {
			return sliceLen, nil
		}
		if sliceLen <= minSliceBytes {
			return 0, fmt.Errorf("%w: %d bytes", ErrBudgetTooSmall, maxPayloadBytes)
		}
		sliceLen = sliceLen * 3 / 4
		if sliceLen < minSliceBytes {
			sliceLen = minSliceBytes
		}
	}
}

// Split fragments data into frames whose individual JSON serializations fit within
// maxPayloadBytes. Empty payloads produce a single empty frame so the receiver still observes a
// complete sequence.
func Split(data []byte, maxPayloadBytes int) ([]Chunk, error) {
	if maxPayloadBytes < MinPayloadBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrBudgetTooSmall, maxPayloadBytes)
	}
	sliceLen, err := fitSliceLen(data, maxPayloadBytes)
	if err != nil {
		return nil, err
	}
	total := (len(data) + sliceLen - 1) / sliceLen
	if total == 0 {
		total = 1
	}
	chunks := make([]Chunk, 0, total)
	for i := 0; i < total; i++ {
		start := i * sliceLen
		end := min(start+sliceLen, len(data))
		encoded := base64.StdEncoding.EncodeToString(data[start:end])
		chunks = append(chunks, Chunk{
			Index:    i,
			Total:    total,
			Data:     encoded,
			Checksum: Checksum(encoded),
		})
	}
	return chunks, nil
}

// Reassemble validates and concatenates a complete set of frames back into the original payload.
// Frames may be supplied in any order. Fails on checksum mismatch (identifying the frame), a
// declared total that does not match the observed count, or non-contiguous indices.
func Reassemble(chunks []Chunk) ([]byte, error) {
	if len(chunks) == 0 {
		return nil, ErrNoChunks
	}
	sorted := make([]Chunk, len(chunks))
	copy(sorted, chunks)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })

	total := sorted[0].Total
	if total != len(sorted) {
		return nil, fmt.Errorf("%w: declared %d, received %d", ErrTotalMismatch, total, len(sorted))
	}
	var out []byte
	for i, c := range sorted {
		if c.Total != total {
			return nil, fmt.Errorf("%w: frame %d declares %d", ErrInconsistentSet, c.Index, c.Total)
		}
		if c.Index != i {
			return nil, fmt.Errorf("%w: expected index %d, found %d", ErrNonContiguous, i, c.Index)
		}
		if computed := Checksum(c.Data); computed != c.Checksum {
			return nil, &ChecksumError{Index: c.Index, Expected: c.Checksum, Observed: computed}
		}
		decoded, err := base64.StdEncoding.DecodeString(c.Data)
		if err != nil {
			return nil, fmt.Errorf("chunk: frame %d payload not base64: %w", c.Index, err)
		}
		out = append(out, decoded...)
	}
	return out, nil
}
