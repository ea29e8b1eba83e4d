package encoding

import (
	"bytes"
	"sync"
	"testing"
)

type sampleVersion struct {
	CoordinatorVersion uint64   `msgpack:"cv"`
	Counter            uint64   `msgpack:"c"`
	Active             []uint64 `msgpack:"a"`
}

func TestMarshal_Struct(t *testing.T) {
	tests := []struct {
		name  string
		input sampleVersion
	}{
		{"zero", sampleVersion{}},
		{"no active", sampleVersion{CoordinatorVersion: 7, Counter: 3}},
		{"with active", sampleVersion{CoordinatorVersion: 7, Counter: 9, Active: []uint64{4, 5, 8}}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			data, err := Marshal(tc.input)
			if err != nil {
				t.Fatalf("Marshal failed: %v", err)
			}

			var out sampleVersion
			if err := Unmarshal(data, &out); err != nil {
				t.Fatalf("Unmarshal failed: %v", err)
			}
			if out.CoordinatorVersion != tc.input.CoordinatorVersion || out.Counter != tc.input.Counter {
				t.Fatalf("version mismatch: got %+v, want %+v", out, tc.input)
			}
			if len(out.Active) != len(tc.input.Active) {
				t.Fatalf("active length mismatch: got %d, want %d", len(out.Active), len(tc.input.Active))
			}
		})
	}
}

func TestUnmarshal_StringsStayStrings(t *testing.T) {
	data, err := Marshal(map[string]interface{}{"role": "server"})
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var out map[string]interface{}
	if err := Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if _, ok := out["role"].(string); !ok {
		t.Fatalf("expected string, got %T", out["role"])
	}
}

func TestMarshal_Concurrent(t *testing.T) {
	var wg sync.WaitGroup
	numGoroutines := 50
	iterations := 200

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				in := sampleVersion{CoordinatorVersion: uint64(id), Counter: uint64(j)}
				data, err := Marshal(in)
				if err != nil {
					t.Errorf("Marshal failed: %v", err)
					return
				}
				var out sampleVersion
				if err := Unmarshal(data, &out); err != nil {
					t.Errorf("Unmarshal failed: %v", err)
					return
				}
				if out.Counter != in.Counter {
					t.Errorf("counter mismatch: got %d, want %d", out.Counter, in.Counter)
					return
				}
			}
		}(i)
	}

	wg.Wait()
}

func TestCompress_RoundTrip(t *testing.T) {
	large := bytes.Repeat([]byte("active-tx-counter;"), 512)

	tests := []struct {
		name       string
		data       []byte
		threshold  int
		compressed bool
	}{
		{"small stays raw", []byte("ping"), DefaultCompressThreshold, false},
		{"disabled", large, 0, false},
		{"large compressed", large, DefaultCompressThreshold, true},
		{"empty", []byte{}, DefaultCompressThreshold, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			framed, err := Compress(tc.data, tc.threshold)
			if err != nil {
				t.Fatalf("Compress failed: %v", err)
			}
			if got := framed[0] == frameZstd; got != tc.compressed {
				t.Fatalf("compressed=%v, want %v", got, tc.compressed)
			}
			if tc.compressed && len(framed) >= len(tc.data) {
				t.Fatalf("expected compression to shrink payload: %d >= %d", len(framed), len(tc.data))
			}

			out, err := Decompress(framed)
			if err != nil {
				t.Fatalf("Decompress failed: %v", err)
			}
			if !bytes.Equal(out, tc.data) {
				t.Fatal("round trip mismatch")
			}
		})
	}
}

func TestDecompress_InvalidFrame(t *testing.T) {
	if _, err := Decompress(nil); err != ErrInvalidFrame {
		t.Fatalf("expected ErrInvalidFrame, got %v", err)
	}
	if _, err := Decompress([]byte{0x7f, 1, 2}); err != ErrInvalidFrame {
		t.Fatalf("expected ErrInvalidFrame, got %v", err)
	}
}
