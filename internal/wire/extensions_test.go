package wire

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestExtensionsRoundTripEmpty(t *testing.T) {
	enc, err := MarshalExtensions(Extensions{})
	if err != nil {
		t.Fatalf("MarshalExtensions: %v", err)
	}
	if len(enc) != 2 {
		t.Fatalf("empty extensions should encode to a 2-byte zero-length prefix, got %d bytes", len(enc))
	}
	got, err := ParseExtensions(enc)
	if err != nil {
		t.Fatalf("ParseExtensions: %v", err)
	}
	if diff := cmp.Diff(Extensions{}, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestExtensionsRoundTripLeafIndex(t *testing.T) {
	want := Extensions{HasLeafIndex: true, LeafIndex: 1<<35 + 7}
	enc, err := MarshalExtensions(want)
	if err != nil {
		t.Fatalf("MarshalExtensions: %v", err)
	}
	got, err := ParseExtensions(enc)
	if err != nil {
		t.Fatalf("ParseExtensions: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestExtensionsRoundTripUnknown(t *testing.T) {
	want := Extensions{Unknown: []UnknownExtension{{Tag: 9, Data: []byte("opaque")}}}
	enc, err := MarshalExtensions(want)
	if err != nil {
		t.Fatalf("MarshalExtensions: %v", err)
	}
	got, err := ParseExtensions(enc)
	if err != nil {
		t.Fatalf("ParseExtensions: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestParseExtensionsRejectsShortLeafIndex(t *testing.T) {
	b := []byte{0x00, 0x05, 0x00, 0x00, 0x02, 0x00, 0x01}
	if _, err := ParseExtensions(b); err == nil {
		t.Fatal("expected error for truncated leaf index extension")
	}
}

func TestParseExtensionsRejectsTrailingBytes(t *testing.T) {
	enc, err := MarshalExtensions(Extensions{})
	if err != nil {
		t.Fatalf("MarshalExtensions: %v", err)
	}
	if _, err := ParseExtensions(append(enc, 0xff)); err == nil {
		t.Fatal("expected error for trailing bytes after extensions container")
	}
}
