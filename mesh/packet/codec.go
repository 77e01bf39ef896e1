package packet

const (
	flagHasRecipient byte = 1 << 0
	flagHasSignature byte = 1 << 1
)

// Encode serializes p to its wire representation. Encode never fails on a
// Packet produced by this package's own constructors; a payload longer than
// MaxPayloadLen is the only way to trigger ErrLengthOverflow.
func Encode(p *Packet) ([]byte, error) {
	w := newWriter(16 + len(p.Payload) + 64)
	if err := encodeInto(w, p, false); err != nil {
		return nil, err
	}
	return w.bytes(), nil
}

// encodeInto writes p into w. When zeroSignature is true the signature
// field is always emitted, fixed-length and zero-filled, regardless of
// whether p.Signature is set — this is ToBinaryDataForSigning's contract
// (spec §4.1): signing input must be deterministic whether or not a
// previous signature is already attached.
func encodeInto(w *writer, p *Packet, zeroSignature bool) error {
	w.writeU8(p.Version)
	w.writeU8(p.Type)
	w.writeU8(p.TTL)
	w.writeU64(p.Timestamp)

	flags := byte(0)
	hasRecipient := p.RecipientID != nil
	hasSignature := zeroSignature || p.Signature != nil
	if hasRecipient {
		flags |= flagHasRecipient
	}
	if hasSignature {
		flags |= flagHasSignature
	}
	w.writeU8(flags)

	w.writeFixed(p.SenderID[:])
	if hasRecipient {
		w.writeFixed(p.RecipientID[:])
	}
	if err := w.writeLengthPrefixedU16(p.Payload); err != nil {
		return err
	}
	if hasSignature {
		if zeroSignature || p.Signature == nil {
			var zero Signature
			w.writeFixed(zero[:])
		} else {
			w.writeFixed(p.Signature[:])
		}
	}
	return nil
}

// ToBinaryDataForSigning returns the deterministic byte sequence an Ed25519
// signature is computed over: p with the signature field always present
// and zero-filled (spec §3, §4.1).
func ToBinaryDataForSigning(p *Packet) []byte {
	w := newWriter(16 + len(p.Payload) + 64)
	// encodeInto cannot fail here unless the payload overflows, which Decode
	// never produces and callers are expected to validate before signing.
	_ = encodeInto(w, p, true)
	return w.bytes()
}

// Decode parses b into a Packet. It never panics; malformed input always
// yields one of ErrTruncatedInput, ErrLengthOverflow, ErrUnknownVersion.
func Decode(b []byte) (*Packet, error) {
	r := newReader(b)

	version, err := r.readU8()
	if err != nil {
		return nil, err
	}
	if version != CurrentVersion {
		return nil, ErrUnknownVersion
	}
	typ, err := r.readU8()
	if err != nil {
		return nil, err
	}
	ttl, err := r.readU8()
	if err != nil {
		return nil, err
	}
	timestamp, err := r.readU64()
	if err != nil {
		return nil, err
	}
	flags, err := r.readU8()
	if err != nil {
		return nil, err
	}

	senderBytes, err := r.readFixed(8)
	if err != nil {
		return nil, err
	}
	p := &Packet{Version: version, Type: typ, TTL: ttl, Timestamp: timestamp}
	copy(p.SenderID[:], senderBytes)

	if flags&flagHasRecipient != 0 {
		recipBytes, err := r.readFixed(8)
		if err != nil {
			return nil, err
		}
		var recip PeerID
		copy(recip[:], recipBytes)
		p.RecipientID = &recip
	}

	payload, err := r.readLengthPrefixedBytes(MaxPayloadLen)
	if err != nil {
		return nil, err
	}
	p.Payload = append([]byte(nil), payload...)

	if flags&flagHasSignature != 0 {
		sigBytes, err := r.readFixed(64)
		if err != nil {
			return nil, err
		}
		var sig Signature
		copy(sig[:], sigBytes)
		p.Signature = &sig
	}

	return p, nil
}
