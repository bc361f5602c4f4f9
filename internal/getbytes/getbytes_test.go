package getbytes

import (
	"encoding/hex"
	"testing"
)

func TestFromGetBytes(t *testing.T) {
	encodedStr := hex.EncodeToString(FromSliceInt16([]int16{1, 2, 3, 4}))
	if expectStr := "0100020003000400"; encodedStr != expectStr {
		t.Errorf("want %v, have %v", expectStr, encodedStr)
	}
	encodedStr = hex.EncodeToString(FromSliceInt32([]int32{1, 2}))
	if expectStr := "0100000002000000"; encodedStr != expectStr {
		t.Errorf("want %v, have %v", expectStr, encodedStr)
	}
	encodedStr = hex.EncodeToString(FromSliceFloat64([]float64{2}))
	if expectStr := "0000000000000040"; encodedStr != expectStr {
		t.Errorf("want %v, have %v", expectStr, encodedStr)
	}
	if len(FromSliceInt16(nil)) != 0 {
		t.Error("wrong length")
	}
}

func TestToSlices(t *testing.T) {
	i16, err := ToSliceInt16([]byte{0x01, 0x00, 0xff, 0xff, 0x00, 0x80})
	if err != nil {
		t.Fatal(err)
	}
	expect16 := []int16{1, -1, -32768}
	for i, v := range expect16 {
		if i16[i] != v {
			t.Errorf("ToSliceInt16[%d] = %d, want %d", i, i16[i], v)
		}
	}
	if _, err := ToSliceInt16([]byte{1, 2, 3}); err == nil {
		t.Error("ToSliceInt16 on odd length should fail")
	}

	i32, err := ToSliceInt32(FromSliceInt32([]int32{-7, 1 << 20}))
	if err != nil {
		t.Fatal(err)
	}
	if i32[0] != -7 || i32[1] != 1<<20 {
		t.Errorf("ToSliceInt32 = %v, want [-7 %d]", i32, 1<<20)
	}

	// Unaligned input must decode correctly.
	raw := append([]byte{0xaa}, FromSliceFloat64([]float64{1.5, -2.25})...)
	f64, err := ToSliceFloat64(raw[1:])
	if err != nil {
		t.Fatal(err)
	}
	if f64[0] != 1.5 || f64[1] != -2.25 {
		t.Errorf("ToSliceFloat64 = %v, want [1.5 -2.25]", f64)
	}
	if _, err := ToSliceFloat64(make([]byte, 7)); err == nil {
		t.Error("ToSliceFloat64 on length 7 should fail")
	}
}
