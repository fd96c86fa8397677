package vehicle

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"

	"github.com/4ourtune/dks-client-sub000/pkg/chunk"
)

func TestDecodeFrame(t *testing.T) {
	plain := []byte(`{"type":"handshake"}`)

	cases := []struct {
		name  string
		input []byte
		want  string
		ok    bool
	}{
		{"plain json", plain, string(plain), true},
		{"trailing garbage", append(append([]byte{}, plain...), 0xFF, 0x00, 0x12), string(plain), true},
		{"mtu padding", append(append([]byte{}, plain...), 0x00, 0x00, 0x00), string(plain), true},
		{"base64 wrapped", []byte(base64.StdEncoding.EncodeToString(plain)), string(plain), true},
		{"base64 with null padding", append([]byte(base64.StdEncoding.EncodeToString(plain)), 0x00, 0x00), string(plain), true},
		{"not json", []byte("hello radio"), "", false},
		{"json array", []byte(`[1,2,3]`), "", false},
		{"empty", nil, "", false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, err := decodeFrame(c.input)
			if c.ok {
				if err != nil {
					t.Fatalf("unexpected error: %s", err)
				}
				if string(got) != c.want {
					t.Errorf("got %q, want %q", got, c.want)
				}
				return
			}
			if !errors.Is(err, errUndecodable) {
				t.Errorf("expected errUndecodable, got %v", err)
			}
		})
	}
}

func TestAsChunk(t *testing.T) {
	frames, err := chunk.Split([]byte(`{"type":"pki_response"}`), 100)
	if err != nil {
		t.Fatal(err)
	}
	encoded, err := json.Marshal(&frames[0])
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := asChunk(encoded); !ok {
		t.Error("serialized frame not recognized as chunk")
	}

	// Bare packets carry no checksum and must not be mistaken for frames.
	if _, ok := asChunk([]byte(`{"type":"pki_response","success":true}`)); ok {
		t.Error("bare packet misclassified as chunk")
	}
	if _, ok := asChunk([]byte(`{"index":0,"total":0,"data":"","checksum":"00000000"}`)); ok {
		t.Error("zero-total frame misclassified as chunk")
	}
}

func TestCollectorPassesBarePacketThrough(t *testing.T) {
	var c collector
	packet, err := c.add([]byte(`{"type":"handshake","version":1}`))
	if err != nil {
		t.Fatal(err)
	}
	if packet == nil {
		t.Fatal("bare packet should complete immediately")
	}
}

func TestCollectorReassemblesChunkSet(t *testing.T) {
	original := []byte(`{"type":"pki_response","sessionId":"s1","encryptedPayload":"aGVsbG8gaGVsbG8gaGVsbG8gaGVsbG8gaGVsbG8gaGVsbG8"}`)
	frames, err := chunk.Split(original, chunk.MinPayloadBytes)
	if err != nil {
		t.Fatal(err)
	}
	if len(frames) < 2 {
		t.Fatalf("expected a multi-frame split, got %d frames", len(frames))
	}

	var c collector
	for i, frame := range frames {
		encoded, err := json.Marshal(&frame)
		if err != nil {
			t.Fatal(err)
		}
		packet, err := c.add(encoded)
		if err != nil {
			t.Fatal(err)
		}
		if i < len(frames)-1 {
			if packet != nil {
				t.Fatal("packet completed before all frames arrived")
			}
			continue
		}
		if string(packet) != string(original) {
			t.Errorf("reassembled %q, want %q", packet, original)
		}
	}
}

func TestCollectorResetsAfterCorruption(t *testing.T) {
	frames, err := chunk.Split(make([]byte, 200), chunk.MinPayloadBytes)
	if err != nil {
		t.Fatal(err)
	}
	frames[1].Data = "corrupted!" + frames[1].Data

	var c collector
	for i, frame := range frames {
		encoded, err := json.Marshal(&frame)
		if err != nil {
			t.Fatal(err)
		}
		packet, addErr := c.add(encoded)
		if i < len(frames)-1 {
			if addErr != nil || packet != nil {
				t.Fatalf("frame %d: unexpected result (%v, %v)", i, packet, addErr)
			}
			continue
		}
		if addErr == nil {
			t.Fatal("corrupted set reassembled without error")
		}
	}

	// The collector must have discarded the corrupt set.
	packet, err := c.add([]byte(`{"type":"handshake"}`))
	if err != nil || packet == nil {
		t.Errorf("collector did not reset after failure: (%v, %v)", packet, err)
	}
}

func TestCollectorSkipsUndecodableBuffers(t *testing.T) {
	var c collector
	if _, err := c.add([]byte{0x01, 0x02, 0x03}); !errors.Is(err, errUndecodable) {
		t.Errorf("expected errUndecodable, got %v", err)
	}
}
