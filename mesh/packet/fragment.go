package packet

// MaxFragmentSize is the maximum data bytes carried by one fragment (spec
// §4.1, §6.4 "max_fragment_size").
const MaxFragmentSize = 469

// FragmentThreshold is the encoded packet size above which FragmentManager
// splits a packet into fragments (spec §4.1, §6.4 "fragment_threshold").
const FragmentThreshold = 512

// FragmentID is the random 8-byte correlation id shared by every fragment
// of one original packet.
type FragmentID [8]byte

// FragmentFrame is the payload of a FRAGMENT_START/CONTINUE/END packet:
// fragment_id[8] | index:u16 | total:u16 | original_type:u8 | data (spec
// §4.1).
type FragmentFrame struct {
	FragmentID   FragmentID
	Index        uint16
	Total        uint16
	OriginalType uint8
	Data         []byte
}

// EncodeFragment serializes a FragmentFrame.
func EncodeFragment(f *FragmentFrame) []byte {
	w := newWriter(13 + len(f.Data))
	w.writeFixed(f.FragmentID[:])
	w.writeU16(f.Index)
	w.writeU16(f.Total)
	w.writeU8(f.OriginalType)
	w.writeFixed(f.Data)
	return w.bytes()
}

// DecodeFragment parses a fragment frame payload.
func DecodeFragment(b []byte) (*FragmentFrame, error) {
	r := newReader(b)
	idBytes, err := r.readFixed(8)
	if err != nil {
		return nil, err
	}
	index, err := r.readU16()
	if err != nil {
		return nil, err
	}
	total, err := r.readU16()
	if err != nil {
		return nil, err
	}
	origType, err := r.readU8()
	if err != nil {
		return nil, err
	}
	data, err := r.readFixed(r.remaining())
	if err != nil {
		return nil, err
	}

	f := &FragmentFrame{Index: index, Total: total, OriginalType: origType}
	copy(f.FragmentID[:], idBytes)
	f.Data = append([]byte(nil), data...)
	return f, nil
}
