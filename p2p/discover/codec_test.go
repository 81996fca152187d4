package discover

import (
	"bytes"
	"testing"

	"github.com/eth2030/eth2030/crypto"
	"github.com/eth2030/eth2030/p2p/enode"
)

func randomNodeID(t *testing.T) enode.NodeID {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	h := crypto.Keccak256(crypto.FromECDSAPub(&key.PublicKey)[1:])
	var id enode.NodeID
	copy(id[:], h)
	return id
}

func TestEncodeDecodePacketRoundTrip(t *testing.T) {
	dest := randomNodeID(t)
	var nonce [nonceSize]byte
	for i := range nonce {
		nonce[i] = byte(i + 1)
	}
	authdata := encodeOrdinaryAuthData(randomNodeID(t))
	message := []byte("encrypted-payload-placeholder")

	packet, err := EncodePacket(dest, FlagOrdinary, nonce, authdata, message)
	if err != nil {
		t.Fatalf("EncodePacket failed: %v", err)
	}
	if len(packet) < minPacketSize {
		// Ordinary packets carry a message, so this one is comfortably
		// larger than the WHOAREYOU-sized minimum.
		t.Fatalf("encoded packet shorter than minimum: %d", len(packet))
	}

	decoded, err := DecodePacket(dest, packet)
	if err != nil {
		t.Fatalf("DecodePacket failed: %v", err)
	}
	if decoded.Flag != FlagOrdinary {
		t.Errorf("Flag = %d, want %d", decoded.Flag, FlagOrdinary)
	}
	if decoded.Nonce != nonce {
		t.Errorf("Nonce mismatch")
	}
	if !bytes.Equal(decoded.AuthData, authdata) {
		t.Errorf("AuthData mismatch: got %x, want %x", decoded.AuthData, authdata)
	}
	if !bytes.Equal(decoded.Message, message) {
		t.Errorf("Message mismatch: got %q, want %q", decoded.Message, message)
	}
}

func TestDecodePacketTooSmall(t *testing.T) {
	dest := randomNodeID(t)
	if _, err := DecodePacket(dest, make([]byte, minPacketSize-1)); err != ErrTooSmall {
		t.Errorf("error = %v, want ErrTooSmall", err)
	}
}

func TestDecodePacketWrongKeyFailsProtocolCheck(t *testing.T) {
	dest := randomNodeID(t)
	wrongRecipient := randomNodeID(t)
	var nonce [nonceSize]byte
	packet, err := EncodePacket(dest, FlagOrdinary, nonce, encodeOrdinaryAuthData(dest), []byte("x"))
	if err != nil {
		t.Fatalf("EncodePacket failed: %v", err)
	}
	// Decoding under a different recipient's mask key should not reproduce
	// the protocol-id, since the header bytes come out as noise.
	_, err = DecodePacket(wrongRecipient, packet)
	if err == nil {
		t.Error("DecodePacket with wrong recipient key should fail")
	}
}

func TestWhoareyouAuthDataRoundTrip(t *testing.T) {
	var idNonce [16]byte
	for i := range idNonce {
		idNonce[i] = byte(i * 2)
	}
	enc := encodeWhoareyouAuthData(idNonce, 99)
	gotNonce, gotSeq, err := decodeWhoareyouAuthData(enc)
	if err != nil {
		t.Fatalf("decodeWhoareyouAuthData failed: %v", err)
	}
	if gotNonce != idNonce || gotSeq != 99 {
		t.Errorf("got (%x, %d), want (%x, %d)", gotNonce, gotSeq, idNonce, 99)
	}
}

func TestHandshakeAuthDataRoundTrip(t *testing.T) {
	h := handshakeAuthData{
		SrcID:       randomNodeID(t),
		IDSignature: bytes.Repeat([]byte{0xaa}, 64),
		EphPubkey:   bytes.Repeat([]byte{0xbb}, 33),
		Record:      []byte{0xc0},
	}
	enc, err := encodeHandshakeAuthData(h)
	if err != nil {
		t.Fatalf("encodeHandshakeAuthData failed: %v", err)
	}
	got, err := decodeHandshakeAuthData(enc)
	if err != nil {
		t.Fatalf("decodeHandshakeAuthData failed: %v", err)
	}
	if got.SrcID != h.SrcID || !bytes.Equal(got.IDSignature, h.IDSignature) ||
		!bytes.Equal(got.EphPubkey, h.EphPubkey) || !bytes.Equal(got.Record, h.Record) {
		t.Errorf("round trip mismatch: got %+v", got)
	}
}

func TestHandshakeAuthDataNoRecord(t *testing.T) {
	h := handshakeAuthData{
		SrcID:       randomNodeID(t),
		IDSignature: bytes.Repeat([]byte{0x01}, 64),
		EphPubkey:   bytes.Repeat([]byte{0x02}, 33),
	}
	enc, err := encodeHandshakeAuthData(h)
	if err != nil {
		t.Fatalf("encodeHandshakeAuthData failed: %v", err)
	}
	got, err := decodeHandshakeAuthData(enc)
	if err != nil {
		t.Fatalf("decodeHandshakeAuthData failed: %v", err)
	}
	if got.Record != nil {
		t.Errorf("Record = %x, want nil", got.Record)
	}
}
