package h264

// AUAssembler groups a stream of Annex-B NAL units into access units. A new
// unit begins at an access unit delimiter, at a parameter set or SEI that
// follows slice data, or at a VCL NAL with first_mb_in_slice == 0 while slice
// data is already pending.
type AUAssembler struct {
	pending [][]byte
	haveVCL bool
}

// Push adds one NAL unit to the assembler. When nalu opens a new access unit
// the previous, now complete, unit is returned; otherwise nil.
func (a *AUAssembler) Push(nalu []byte) [][]byte {
	if len(nalu) == 0 {
		return nil
	}
	t := NALType(nalu)

	startsNew := false
	switch {
	case t == NALTypeAUD:
		startsNew = true
	case (t == NALTypeSPS || t == NALTypePPS || t == NALTypeSEI) && a.haveVCL:
		startsNew = true
	case IsVCL(t) && a.haveVCL && firstMBInSliceZero(nalu):
		startsNew = true
	}

	var complete [][]byte
	if startsNew && len(a.pending) > 0 {
		complete = a.pending
		a.pending = nil
		a.haveVCL = false
	}

	a.pending = append(a.pending, nalu)
	if IsVCL(t) {
		a.haveVCL = true
	}
	return complete
}

// Flush returns any pending NAL units as a final access unit.
func (a *AUAssembler) Flush() [][]byte {
	complete := a.pending
	a.pending = nil
	a.haveVCL = false
	return complete
}

// firstMBInSliceZero reports whether the slice header starts at macroblock
// zero. first_mb_in_slice is the leading ue(v) field, which encodes zero as
// a single 1 bit.
func firstMBInSliceZero(nalu []byte) bool {
	return len(nalu) >= 2 && nalu[1]&0x80 != 0
}
