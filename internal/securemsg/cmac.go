package securemsg

import (
	"crypto/aes"

	"github.com/aead/cmac"
)

const blockSize = aes.BlockSize

// CMAC computes the full sixteen byte AES-CMAC of msg under key.
func CMAC(key, msg []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cmac.Sum(msg, block, blockSize)
}

// Truncate keeps the odd indexed bytes of a full CMAC, giving the eight byte MAC carried in
// frames.
func Truncate(mac []byte) []byte {
	out := make([]byte, 0, len(mac)/2)
	for i := 1; i < len(mac); i += 2 {
		out = append(out, mac[i])
	}
	return out
}
