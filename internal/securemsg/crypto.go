package securemsg

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
)

var (
	ErrPadding   = errors.New("invalid padding")
	ErrBlockSize = errors.New("data is not a multiple of the block size")
)

// Pad applies ISO/IEC 9797-1 padding method 2. A full block of padding is added when data is
// already aligned.
func Pad(data []byte) []byte {
	n := blockSize - len(data)%blockSize
	out := make([]byte, len(data), len(data)+n)
	copy(out, data)
	out = append(out, 0x80)
	for i := 1; i < n; i++ {
		out = append(out, 0x00)
	}
	return out
}

func Unpad(data []byte) ([]byte, error) {
	for i := len(data) - 1; i >= 0; i-- {
		switch data[i] {
		case 0x00:
			continue
		case 0x80:
			return data[:i], nil
		default:
			return nil, ErrPadding
		}
	}
	return nil, ErrPadding
}

// EncryptCBC encrypts block aligned data. The input is left untouched.
func EncryptCBC(key, iv, data []byte) ([]byte, error) {
	if len(data)%blockSize != 0 {
		return nil, ErrBlockSize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(data))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, data)
	return out, nil
}

func DecryptCBC(key, iv, data []byte) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, ErrBlockSize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, data)
	return out, nil
}

func encryptBlock(key, in []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, blockSize)
	block.Encrypt(out, in)
	return out, nil
}

// ZeroIV is used for the authentication exchange, which runs before a transaction identifier
// exists.
func ZeroIV() []byte {
	return make([]byte, blockSize)
}

// RotateLeft rotates b left by one byte.
func RotateLeft(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b[1:])
	out[len(b)-1] = b[0]
	return out
}

func xor(a, b []byte) ([]byte, error) {
	if len(a) != len(b) {
		return nil, errors.New("input slices have different lengths")
	}
	c := make([]byte, len(a))
	for i := range a {
		c[i] = a[i] ^ b[i]
	}
	return c, nil
}
