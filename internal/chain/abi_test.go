package chain

import (
	"bytes"
	"encoding/hex"
	"math/big"
	"testing"
)

func TestSelectorKnownVector(t *testing.T) {
	got := hex.EncodeToString(selector("transfer(address,uint256)"))
	if got != "a9059cbb" {
		t.Errorf("selector = %s, want a9059cbb", got)
	}
}

func TestEventTopicKnownVector(t *testing.T) {
	got := eventTopic("Transfer(address,address,uint256)")
	want := "0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef"
	if got != want {
		t.Errorf("topic = %s, want %s", got, want)
	}
}

func TestAbiWordPadding(t *testing.T) {
	word := abiWord([]byte{0x01, 0x02})
	if len(word) != 32 {
		t.Fatalf("word length = %d", len(word))
	}
	if word[30] != 0x01 || word[31] != 0x02 {
		t.Errorf("word = %x, want left-padded 0102", word)
	}
}

func TestAbiAddressRejectsShortInput(t *testing.T) {
	if _, err := abiAddress("0x0102"); err == nil {
		t.Error("short address accepted")
	}
	word, err := abiAddress("0x3535353535353535353535353535353535353535")
	if err != nil {
		t.Fatal(err)
	}
	if word[11] != 0 || word[12] != 0x35 {
		t.Errorf("address word = %x", word)
	}
}

func TestEncodeCallHeadTailLayout(t *testing.T) {
	sel := selector("f(uint256,bytes)")
	data := encodeCall(sel,
		staticArg(abiUint(big.NewInt(7))),
		dynamicArg(abiDynamicBytes([]byte("abc"))),
	)

	// selector + 2 head words + length word + 1 content word
	if len(data) != 4+2*32+32+32 {
		t.Fatalf("calldata length = %d", len(data))
	}
	body := data[4:]

	if v := new(big.Int).SetBytes(body[:32]); v.Int64() != 7 {
		t.Errorf("static word = %v, want 7", v)
	}
	// Offset to the dynamic tail is the head size.
	if off := new(big.Int).SetBytes(body[32:64]); off.Int64() != 64 {
		t.Errorf("offset = %v, want 64", off)
	}
	if l := new(big.Int).SetBytes(body[64:96]); l.Int64() != 3 {
		t.Errorf("bytes length = %v, want 3", l)
	}
	if !bytes.Equal(body[96:99], []byte("abc")) {
		t.Errorf("content = %x", body[96:99])
	}
	if !bytes.Equal(body[99:128], make([]byte, 29)) {
		t.Error("content not zero-padded")
	}
}

func TestAbiStringArrayOffsets(t *testing.T) {
	out := abiStringArray([]string{"a", "bb"})

	if c := new(big.Int).SetBytes(out[:32]); c.Int64() != 2 {
		t.Fatalf("count = %v, want 2", c)
	}
	// Offsets are relative to the start of the element offsets.
	first := new(big.Int).SetBytes(out[32:64]).Int64()
	second := new(big.Int).SetBytes(out[64:96]).Int64()
	if first != 64 {
		t.Errorf("first offset = %d, want 64", first)
	}
	// "a" occupies a length word plus one content word.
	if second != 128 {
		t.Errorf("second offset = %d, want 128", second)
	}

	if l := new(big.Int).SetBytes(out[96:128]); l.Int64() != 1 {
		t.Errorf("first element length = %v, want 1", l)
	}
	if out[128] != 'a' {
		t.Errorf("first element content = %x", out[128])
	}
	if l := new(big.Int).SetBytes(out[160:192]); l.Int64() != 2 {
		t.Errorf("second element length = %v, want 2", l)
	}
	if !bytes.Equal(out[192:194], []byte("bb")) {
		t.Errorf("second element content = %x", out[192:194])
	}
}

func TestDecodeUintResult(t *testing.T) {
	word := abiUint(big.NewInt(42))
	v, err := decodeUintResult(word)
	if err != nil {
		t.Fatal(err)
	}
	if v.Int64() != 42 {
		t.Errorf("value = %v, want 42", v)
	}

	if _, err := decodeUintResult([]byte{0x01}); err == nil {
		t.Error("short result accepted")
	}
}

func TestDecodeBoolResult(t *testing.T) {
	if v, err := decodeBoolResult(abiUint(big.NewInt(1))); err != nil || !v {
		t.Errorf("true word decoded as %v, %v", v, err)
	}
	if v, err := decodeBoolResult(abiUint(big.NewInt(0))); err != nil || v {
		t.Errorf("false word decoded as %v, %v", v, err)
	}
}

func TestParseQuantity(t *testing.T) {
	tests := []struct {
		raw     string
		want    uint64
		wantErr bool
	}{
		{"0x1b", 27, false},
		{"0x0", 0, false},
		{"0xff", 255, false},
		{" 0x10 ", 16, false},
		{"0x", 0, true},
		{"", 0, true},
		{"0xzz", 0, true},
	}
	for _, tt := range tests {
		got, err := parseQuantity(tt.raw)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseQuantity(%q) error = %v", tt.raw, err)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("parseQuantity(%q) = %d, want %d", tt.raw, got, tt.want)
		}
	}
}

func TestFormatQuantityRoundTrip(t *testing.T) {
	for _, v := range []uint64{0, 1, 27, 1 << 40} {
		got, err := parseQuantity(formatQuantity(v))
		if err != nil {
			t.Fatalf("round trip of %d: %v", v, err)
		}
		if got != v {
			t.Errorf("round trip of %d = %d", v, got)
		}
	}
}

func TestDecodeHexBytesOddLength(t *testing.T) {
	got, err := decodeHexBytes("0xabc")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, []byte{0x0a, 0xbc}) {
		t.Errorf("decoded = %x, want 0abc", got)
	}
}
