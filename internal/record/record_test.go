package record

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/starford/healthvault/internal/apperr"
	"github.com/starford/healthvault/internal/envelope"
)

func sealed(t *testing.T) envelope.Sealed {
	t.Helper()
	key, _ := envelope.GenerateKey(envelope.KeySize)
	s, err := envelope.Encrypt([]byte("hello"), key)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestEncodeDecode(t *testing.T) {
	s := sealed(t)
	blob, err := Encode(s)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !strings.Contains(string(blob), `"schema":"health-record:v1"`) {
		t.Errorf("blob missing schema tag: %s", blob)
	}
	got, err := Decode(blob)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if string(got.Ciphertext) != string(s.Ciphertext) || string(got.IV) != string(s.IV) {
		t.Error("decoded payload differs")
	}
}

func TestDecodeRejectsUnknownFormats(t *testing.T) {
	tests := []struct {
		name string
		blob string
	}{
		{"not json", `garbage`},
		{"wrong schema", `{"ciphertextB64":"AAAA","ivB64":"AAAAAAAAAAAAAAAA","algo":"AES-256-GCM","schema":"health-record:v2"}`},
		{"wrong algo", `{"ciphertextB64":"AAAA","ivB64":"AAAAAAAAAAAAAAAA","algo":"AES-128-CBC","schema":"health-record:v1"}`},
		{"short iv", `{"ciphertextB64":"AAAA","ivB64":"AAAA","algo":"AES-256-GCM","schema":"health-record:v1"}`},
		{"missing ciphertext", `{"ivB64":"AAAAAAAAAAAAAAAA","algo":"AES-256-GCM","schema":"health-record:v1"}`},
		{"bad base64", `{"ciphertextB64":"!!","ivB64":"AAAAAAAAAAAAAAAA","algo":"AES-256-GCM","schema":"health-record:v1"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.blob))
			if !errors.Is(err, apperr.ErrSchemaMismatch) {
				t.Fatalf("err = %v, want schema mismatch", err)
			}
		})
	}
}

func TestEncodeRejectsForeignAlgorithm(t *testing.T) {
	s := sealed(t)
	s.Algorithm = "ChaCha20"
	if _, err := Encode(s); !errors.Is(err, apperr.ErrSchemaMismatch) {
		t.Fatalf("err = %v", err)
	}
}

func TestDocumentRoundTrip(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	raw, err := MarshalDocument(json.RawMessage(`{"result":"NORMAL"}`), "0x1111111111111111111111111111111111111111", now)
	if err != nil {
		t.Fatal(err)
	}
	doc, err := UnmarshalDocument(raw)
	if err != nil {
		t.Fatal(err)
	}
	if string(doc.Record) != `{"result":"NORMAL"}` {
		t.Errorf("record = %s", doc.Record)
	}
	if !doc.CreatedAt.Equal(now) {
		t.Errorf("createdAt = %v", doc.CreatedAt)
	}
}

func TestMarshalDocumentRejectsInvalidJSON(t *testing.T) {
	_, err := MarshalDocument(json.RawMessage(`{"result":`), "0x1111111111111111111111111111111111111111", time.Now())
	if !errors.Is(err, apperr.ErrInvalidInput) {
		t.Fatalf("err = %v", err)
	}
}
