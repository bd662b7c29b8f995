package securemsg

import (
	"crypto/subtle"
	"fmt"
)

// The mutual authentication exchange. Both challenges travel CBC encrypted under the long term
// key with a zero IV.

// EncryptChallenge returns E(K, rnd).
func EncryptChallenge(key, rnd []byte) ([]byte, error) {
	return EncryptCBC(key, ZeroIV(), rnd)
}

func DecryptChallenge(key, ct []byte) ([]byte, error) {
	if len(ct) != RndSize {
		return nil, fmt.Errorf("%w: got %d bytes", ErrRndSize, len(ct))
	}
	return DecryptCBC(key, ZeroIV(), ct)
}

// ReaderToken is the reader's second authentication message: E(K, RndA || rotl(RndB)).
func ReaderToken(key, rndA, rndB []byte) ([]byte, error) {
	if len(rndA) != RndSize || len(rndB) != RndSize {
		return nil, ErrRndSize
	}
	return EncryptCBC(key, ZeroIV(), concat(rndA, RotateLeft(rndB)))
}

// OpenReaderToken is the card side check of ReaderToken. It returns RndA.
func OpenReaderToken(key, rndB, ct []byte) ([]byte, error) {
	if len(ct) != 2*RndSize {
		return nil, ErrShort
	}
	plain, err := DecryptCBC(key, ZeroIV(), ct)
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare(plain[RndSize:], RotateLeft(rndB)) != 1 {
		return nil, ErrChallenge
	}
	return plain[:RndSize], nil
}

// CardToken is the card's final authentication message: E(K, TI || rotl(RndA) || caps).
func CardToken(key, ti, rndA []byte) ([]byte, error) {
	if len(ti) != TISize || len(rndA) != RndSize {
		return nil, ErrShort
	}
	return EncryptCBC(key, ZeroIV(), concat(ti, RotateLeft(rndA), make([]byte, capsSize)))
}

// OpenCardToken verifies the card proved knowledge of the key and returns the transaction
// identifier it assigned.
func OpenCardToken(key, rndA, ct []byte) ([]byte, error) {
	if len(ct) != TISize+RndSize+capsSize {
		return nil, ErrShort
	}
	plain, err := DecryptCBC(key, ZeroIV(), ct)
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare(plain[TISize:TISize+RndSize], RotateLeft(rndA)) != 1 {
		return nil, ErrChallenge
	}
	return append([]byte(nil), plain[:TISize]...), nil
}
