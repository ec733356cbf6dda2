package portal

import (
	"crypto/rand"
	"math/big"
	"strconv"
)

// generateToken builds a handle token for portal requests. Tokens only
// need to be unique per sender, so a short random suffix is enough.
func generateToken() string {
	n, _ := rand.Int(rand.Reader, big.NewInt(1<<16))
	return "pwgrab" + strconv.FormatUint(n.Uint64(), 16)
}
