package model

import (
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// HashIndexValue combines an index-type code and a field value into the
// compound hash (spec's "h") that names an equivalence class of facts.
//
// The same (indexTypeCode, value) pair always yields the same hash, which
// is the invariant the coordinator's relevant-facts lookup depends on.
func HashIndexValue(indexTypeCode string, value any) string {
	sum := blake2b.Sum256([]byte(fmt.Sprintf("%s\x00%v", indexTypeCode, value)))
	return hex.EncodeToString(sum[:16])
}
