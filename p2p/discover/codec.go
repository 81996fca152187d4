package discover

import (
	"crypto/rand"
	"encoding/binary"
	"errors"

	"github.com/eth2030/eth2030/crypto"
	"github.com/eth2030/eth2030/p2p/enode"
)

// Wire format constants, bit-exact with discv5 v5.1.
const (
	protocolID       = "discv5"
	protocolVersion  = uint16(0x0001)
	ivSize           = 16
	staticHeaderSize = 6 + 2 + 1 + 12 + 2 // protocol-id, version, flag, nonce, authdata-size
	nonceSize        = 12
	minPacketSize    = ivSize + staticHeaderSize + 24 // smallest valid packet: a WHOAREYOU
)

// Packet flags, carried as the single authdata-discriminating byte.
const (
	FlagOrdinary  byte = 0
	FlagWhoareyou byte = 1
	FlagHandshake byte = 2
)

var (
	ErrTooSmall           = errors.New("discover: packet too small")
	ErrWrongProtocol      = errors.New("discover: wrong protocol id")
	ErrUnsupportedVersion = errors.New("discover: unsupported protocol version")
	ErrDecryptionFailed   = errors.New("discover: decryption failed")
	ErrInvalidAuthdata    = errors.New("discover: invalid authdata")
	ErrInvalidSignature   = errors.New("discover: invalid id-signature")
	ErrUnknownChallenge   = errors.New("discover: unknown challenge")
)

// Packet is a decoded discv5 datagram prior to authdata interpretation;
// the session state machine dispatches further on Flag.
type Packet struct {
	IV       [ivSize]byte
	Flag     byte
	Nonce    [nonceSize]byte
	AuthData []byte
	Message  []byte // ciphertext; empty for Whoareyou
}

// maskKey returns the AES-128-CTR key used to mask a packet addressed to
// dest: the first 16 bytes of the recipient's NodeId.
func maskKey(dest enode.NodeID) []byte {
	return dest[:ivSize]
}

func encodeStaticHeader(flag byte, nonce [nonceSize]byte, authdataSize uint16) []byte {
	b := make([]byte, staticHeaderSize)
	copy(b[0:6], protocolID)
	binary.BigEndian.PutUint16(b[6:8], protocolVersion)
	b[8] = flag
	copy(b[9:21], nonce[:])
	binary.BigEndian.PutUint16(b[21:23], authdataSize)
	return b
}

func decodeStaticHeader(b []byte) (flag byte, nonce [nonceSize]byte, authdataSize uint16, err error) {
	if string(b[0:6]) != protocolID {
		return 0, nonce, 0, ErrWrongProtocol
	}
	if binary.BigEndian.Uint16(b[6:8]) != protocolVersion {
		return 0, nonce, 0, ErrUnsupportedVersion
	}
	flag = b[8]
	copy(nonce[:], b[9:21])
	authdataSize = binary.BigEndian.Uint16(b[21:23])
	return flag, nonce, authdataSize, nil
}

// EncodePacket masks the static header and authdata under AES-128-CTR keyed
// on the recipient's NodeId and prepends a fresh random IV. message is the
// already-AEAD-sealed ciphertext (empty for a Whoareyou packet).
func EncodePacket(dest enode.NodeID, flag byte, nonce [nonceSize]byte, authdata, message []byte) ([]byte, error) {
	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, err
	}
	header := encodeStaticHeader(flag, nonce, uint16(len(authdata)))
	plain := append(header, authdata...)
	masked, err := crypto.AESCTR(maskKey(dest), iv, plain)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, ivSize+len(masked)+len(message))
	out = append(out, iv...)
	out = append(out, masked...)
	out = append(out, message...)
	return out, nil
}

// DecodePacket unmasks a received datagram addressed to local. The static
// header is decrypted first to learn authdata-size, then header+authdata
// are decrypted together (AES-CTR keystream is deterministic from the
// start of the IV, so decrypting an overlapping prefix twice is safe).
func DecodePacket(local enode.NodeID, data []byte) (*Packet, error) {
	if len(data) < minPacketSize {
		return nil, ErrTooSmall
	}
	var p Packet
	copy(p.IV[:], data[:ivSize])
	key := maskKey(local)

	headerMasked := data[ivSize : ivSize+staticHeaderSize]
	header, err := crypto.AESCTR(key, p.IV[:], headerMasked)
	if err != nil {
		return nil, err
	}
	flag, nonce, authdataSize, err := decodeStaticHeader(header)
	if err != nil {
		return nil, err
	}

	fullLen := staticHeaderSize + int(authdataSize)
	if ivSize+fullLen > len(data) {
		return nil, ErrInvalidAuthdata
	}
	combinedMasked := data[ivSize : ivSize+fullLen]
	combined, err := crypto.AESCTR(key, p.IV[:], combinedMasked)
	if err != nil {
		return nil, err
	}

	p.Flag = flag
	p.Nonce = nonce
	p.AuthData = combined[staticHeaderSize:]
	p.Message = data[ivSize+fullLen:]
	return &p, nil
}

// BuildAAD constructs the GCM additional authenticated data for a packet:
// protocol-id || version || flag || nonce || authdata-size || authdata || IV.
// ChallengeData carries the same fields with the IV placed first.
func BuildAAD(flag byte, nonce [nonceSize]byte, authdata []byte, iv [ivSize]byte) []byte {
	header := encodeStaticHeader(flag, nonce, uint16(len(authdata)))
	aad := make([]byte, 0, len(header)+len(authdata)+ivSize)
	aad = append(aad, header...)
	aad = append(aad, authdata...)
	aad = append(aad, iv[:]...)
	return aad
}

// ChallengeData returns the unmasked bytes of a Whoareyou packet: the
// full IV || static-header || authdata bytes, used both as the HKDF salt
// and as the AAD domain separator for the ensuing handshake.
func ChallengeData(nonce [nonceSize]byte, authdata []byte, iv [ivSize]byte) []byte {
	header := encodeStaticHeader(FlagWhoareyou, nonce, uint16(len(authdata)))
	out := make([]byte, 0, ivSize+len(header)+len(authdata))
	out = append(out, iv[:]...)
	out = append(out, header...)
	out = append(out, authdata...)
	return out
}

// --- Authdata encodings ---

// encodeOrdinaryAuthData is just the 32-byte source NodeId.
func encodeOrdinaryAuthData(src enode.NodeID) []byte {
	out := make([]byte, 32)
	copy(out, src[:])
	return out
}

func decodeOrdinaryAuthData(b []byte) (enode.NodeID, error) {
	if len(b) != 32 {
		return enode.NodeID{}, ErrInvalidAuthdata
	}
	var id enode.NodeID
	copy(id[:], b)
	return id, nil
}

// whoareyouAuthDataSize is fixed: 16-byte id-nonce + 8-byte ENR seq.
const whoareyouAuthDataSize = 16 + 8

func encodeWhoareyouAuthData(idNonce [16]byte, enrSeq uint64) []byte {
	out := make([]byte, whoareyouAuthDataSize)
	copy(out[:16], idNonce[:])
	binary.BigEndian.PutUint64(out[16:24], enrSeq)
	return out
}

func decodeWhoareyouAuthData(b []byte) (idNonce [16]byte, enrSeq uint64, err error) {
	if len(b) != whoareyouAuthDataSize {
		return idNonce, 0, ErrInvalidAuthdata
	}
	copy(idNonce[:], b[:16])
	enrSeq = binary.BigEndian.Uint64(b[16:24])
	return idNonce, enrSeq, nil
}

// handshakeAuthData is the Handshake packet's authdata: source NodeId,
// one-byte sizes for the id-signature and ephemeral pubkey, the signature
// and pubkey themselves, and an optional trailing RLP-encoded ENR.
type handshakeAuthData struct {
	SrcID       enode.NodeID
	IDSignature []byte
	EphPubkey   []byte
	Record      []byte // nil if the peer's ENR was not refreshed
}

func encodeHandshakeAuthData(h handshakeAuthData) ([]byte, error) {
	if len(h.IDSignature) > 255 || len(h.EphPubkey) > 255 {
		return nil, ErrInvalidAuthdata
	}
	out := make([]byte, 0, 32+1+1+len(h.IDSignature)+len(h.EphPubkey)+len(h.Record))
	out = append(out, h.SrcID[:]...)
	out = append(out, byte(len(h.IDSignature)))
	out = append(out, byte(len(h.EphPubkey)))
	out = append(out, h.IDSignature...)
	out = append(out, h.EphPubkey...)
	out = append(out, h.Record...)
	return out, nil
}

func decodeHandshakeAuthData(b []byte) (handshakeAuthData, error) {
	var h handshakeAuthData
	if len(b) < 32+1+1 {
		return h, ErrInvalidAuthdata
	}
	copy(h.SrcID[:], b[:32])
	sigSize := int(b[32])
	ephSize := int(b[33])
	rest := b[34:]
	if len(rest) < sigSize+ephSize {
		return h, ErrInvalidAuthdata
	}
	h.IDSignature = rest[:sigSize]
	h.EphPubkey = rest[sigSize : sigSize+ephSize]
	if tail := rest[sigSize+ephSize:]; len(tail) > 0 {
		h.Record = tail
	}
	return h, nil
}
