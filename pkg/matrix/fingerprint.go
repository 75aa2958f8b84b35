package matrix

import (
	"encoding/hex"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"

	"github.com/feedstock-tools/smithy/pkg/engine"
)

// encMode uses Core Deterministic Encoding: the same configuration list
// always produces the same bytes.
var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("matrix: CBOR encoder initialization failed: " + err.Error())
	}
}

// Encode returns the deterministic CBOR encoding of an ordered
// configuration list.
func Encode(configs []engine.BuildConfig) ([]byte, error) {
	if configs == nil {
		configs = []engine.BuildConfig{}
	}
	return encMode.Marshal(configs)
}

// Fingerprint returns "blake3:<hex>" over Encode(configs).
func Fingerprint(configs []engine.BuildConfig) (string, error) {
	data, err := Encode(configs)
	if err != nil {
		return "", fmt.Errorf("encode configurations: %w", err)
	}
	sum := blake3.Sum256(data)
	return "blake3:" + hex.EncodeToString(sum[:]), nil
}
