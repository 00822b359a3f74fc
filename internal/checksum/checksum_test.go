package checksum

import "testing"

func TestKeccak256KnownVectors(t *testing.T) {
	cases := map[string]string{
		"":    "0xc5d2460186f7233c927e7db2dcc703c0e500b653ca82273b7bfad8045d85a470",
		"abc": "0x4e03657aea45a94fc7d47ba826c8d667c0d1e6e33a64a036ec44f58fa12d6c45",
	}
	for in, want := range cases {
		if got := Keccak256([]byte(in)).Hex(); got != want {
			t.Errorf("Keccak256(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestRecordTypeIsLabelDigest(t *testing.T) {
	if RecordType("lab-result") != Keccak256([]byte("lab-result")) {
		t.Error("record type differs from label digest")
	}
	if RecordType("lab-result") == RecordType("Lab-Result") {
		t.Error("labels are case-sensitive")
	}
}

func TestSum(t *testing.T) {
	const want = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
	if got := Sum(nil); got != want {
		t.Errorf("Sum(nil) = %s", got)
	}
}
