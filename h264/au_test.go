package h264

import "testing"

// Slice NAL units with first_mb_in_slice == 0 carry a set MSB in the byte
// after the header.
var (
	idrSlice    = []byte{0x65, 0x88, 0x84, 0x00}
	nonIDRSlice = []byte{0x41, 0x9A, 0x02, 0x04}
	contSlice   = []byte{0x41, 0x3A, 0x02} // first_mb_in_slice > 0
	aud         = []byte{0x09, 0xF0}
	sps         = []byte{0x67, 0x64, 0x00, 0x28}
	pps         = []byte{0x68, 0xEB}
)

func TestAssemblerBoundaryAtAUD(t *testing.T) {
	var a AUAssembler
	if got := a.Push(aud); got != nil {
		t.Fatalf("first push returned %v, want nil", got)
	}
	a.Push(idrSlice)
	complete := a.Push(aud)
	if len(complete) != 2 {
		t.Fatalf("got %d NAL units, want 2 (AUD + IDR)", len(complete))
	}
	if NALType(complete[0]) != NALTypeAUD || NALType(complete[1]) != NALTypeIDR {
		t.Errorf("got types %d,%d, want 9,5", NALType(complete[0]), NALType(complete[1]))
	}
}

func TestAssemblerBoundaryAtFirstMBZero(t *testing.T) {
	var a AUAssembler
	a.Push(nonIDRSlice)
	a.Push(contSlice) // continuation of the same picture
	complete := a.Push(nonIDRSlice)
	if len(complete) != 2 {
		t.Fatalf("got %d NAL units, want 2", len(complete))
	}
}

func TestAssemblerParameterSetsOpenNextUnit(t *testing.T) {
	var a AUAssembler
	a.Push(sps)
	a.Push(pps)
	if got := a.Push(idrSlice); got != nil {
		t.Fatalf("slice after parameter sets completed a unit early: %v", got)
	}
	// SPS after slice data belongs to the next access unit.
	complete := a.Push(sps)
	if len(complete) != 3 {
		t.Fatalf("got %d NAL units, want 3 (SPS+PPS+IDR)", len(complete))
	}
	if !ContainsIDR(complete) {
		t.Error("completed unit lost its IDR slice")
	}
}

func TestAssemblerFlush(t *testing.T) {
	var a AUAssembler
	a.Push(nonIDRSlice)
	a.Push(contSlice)
	complete := a.Flush()
	if len(complete) != 2 {
		t.Fatalf("Flush returned %d NAL units, want 2", len(complete))
	}
	if got := a.Flush(); got != nil {
		t.Fatalf("second Flush returned %v, want nil", got)
	}
}

func TestAssemblerIgnoresEmpty(t *testing.T) {
	var a AUAssembler
	if got := a.Push(nil); got != nil {
		t.Fatalf("Push(nil) returned %v, want nil", got)
	}
}
