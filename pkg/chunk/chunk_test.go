package chunk

import (
	"bytes"
	"encoding/json"
	"errors"
	"math/rand"
	"testing"
)

func TestSplitReassembleRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	sizes := []int{0, 1, 15, 64, 100, 512, 4096}
	for _, size := range sizes {
		payload := make([]byte, size)
		rng.Read(payload)
		chunks, err := Split(payload, 180)
		if err != nil {
			t.Fatalf("Split(%d bytes): %s", size, err)
		}
		if len(chunks) == 0 {
			t.Fatalf("Split(%d bytes) produced no chunks", size)
		}
		restored, err := Reassemble(chunks)
		if err != nil {
			t.Fatalf("Reassemble(%d bytes): %s", size, err)
		}
		if !bytes.Equal(payload, restored) {
			t.Errorf("round trip of %d bytes did not restore payload", size)
		}
	}
}

func TestSplitRespectsBudget(t *testing.T) {
	payload := make([]byte, 2000)
	for _, budget := range []int{64, 100, 180, 512} {
		chunks, err := Split(payload, budget)
		if err != nil {
			t.Fatalf("Split with budget %d: %s", budget, err)
		}
		for _, c := range chunks {
			encoded, err := json.Marshal(&c)
			if err != nil {
				t.Fatal(err)
			}
			if len(encoded) > budget {
				t.Errorf("budget %d: frame %d serializes to %d bytes", budget, c.Index, len(encoded))
			}
		}
	}
}

func TestSplitMinimumBudgetRoundTrip(t *testing.T) {
	payload := make([]byte, 200)
	rand.New(rand.NewSource(4)).Read(payload)
	chunks, err := Split(payload, MinPayloadBytes)
	if err != nil {
		t.Fatalf("Split at minimum budget: %s", err)
	}
	if len(chunks) < 2 {
		t.Fatalf("expected a multi-frame split, got %d", len(chunks))
	}
	for _, c := range chunks {
		encoded, err := json.Marshal(&c)
		if err != nil {
			t.Fatal(err)
		}
		if len(encoded) > MinPayloadBytes {
			t.Errorf("frame %d serializes to %d bytes", c.Index, len(encoded))
		}
	}
	restored, err := Reassemble(chunks)
	if err != nil {
		t.Fatalf("Reassemble: %s", err)
	}
	if !bytes.Equal(payload, restored) {
		t.Error("minimum-budget round trip did not restore payload")
	}
}

func TestSplitEmptyPayloadProducesOneFrame(t *testing.T) {
	chunks, err := Split(nil, 180)
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) != 1 || chunks[0].Total != 1 {
		t.Errorf("expected a single frame, got %d", len(chunks))
	}
}

func TestSplitBudgetTooSmall(t *testing.T) {
	if _, err := Split([]byte("data"), MinPayloadBytes-1); !errors.Is(err, ErrBudgetTooSmall) {
		t.Errorf("expected ErrBudgetTooSmall, got %v", err)
	}
}

func TestReassembleOutOfOrder(t *testing.T) {
	payload := make([]byte, 1000)
	rand.New(rand.NewSource(2)).Read(payload)
	chunks, err := Split(payload, 128)
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) < 3 {
		t.Fatalf("test needs at least 3 chunks, got %d", len(chunks))
	}
	shuffled := make([]Chunk, len(chunks))
	copy(shuffled, chunks)
	rand.New(rand.NewSource(3)).Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	restored, err := Reassemble(shuffled)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(payload, restored) {
		t.Error("out-of-order reassembly did not restore payload")
	}
}

func TestReassembleDetectsCorruption(t *testing.T) {
	payload := make([]byte, 500)
	chunks, err := Split(payload, 128)
	if err != nil {
		t.Fatal(err)
	}
	corrupted := chunks[1]
	data := []byte(corrupted.Data)
	data[0] ^= 1
	corrupted.Data = string(data)
	chunks[1] = corrupted

	_, err = Reassemble(chunks)
	var checksumErr *ChecksumError
	if !errors.As(err, &checksumErr) {
		t.Fatalf("expected ChecksumError, got %v", err)
	}
	if checksumErr.Index != 1 {
		t.Errorf("expected failing index 1, got %d", checksumErr.Index)
	}
}

func TestReassembleDetectsMissingChunk(t *testing.T) {
	chunks, err := Split(make([]byte, 500), 128)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Reassemble(chunks[:len(chunks)-1]); !errors.Is(err, ErrTotalMismatch) {
		t.Errorf("expected ErrTotalMismatch, got %v", err)
	}
}

func TestReassembleRejectsEmptySet(t *testing.T) {
	if _, err := Reassemble(nil); !errors.Is(err, ErrNoChunks) {
		t.Errorf("expected ErrNoChunks, got %v", err)
	}
}

func TestChecksumStable(t *testing.T) {
	// The rolling hash must not change: the peer validates against the same polynomial.
	if got := Checksum(""); got != "00000000" {
		t.Errorf("Checksum(\"\") = %s", got)
	}
	if got := Checksum("a"); got != "00000061" {
		t.Errorf("Checksum(\"a\") = %s", got)
	}
	if got := Checksum("ab"); got != "00000c21" {
		t.Errorf("Checksum(\"ab\") = %s", got)
	}
}
