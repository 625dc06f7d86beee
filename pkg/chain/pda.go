package chain

import (
	"fmt"

	"filippo.io/edwards25519"

	"github.com/Xenian84/tachyon-oracles/pkg/crypto"
)

// Program-derived addresses follow the settlement chain's standard
// rule: sha256(seeds || bump || program_id || "ProgramDerivedAddress"),
// walking bump down from 255 until the digest is not a valid curve
// point, so no keypair can ever sign for the address.

const pdaMarker = "ProgramDerivedAddress"

// FindProgramAddress derives the PDA and bump for seeds under program.
func FindProgramAddress(seeds [][]byte, program [32]byte) ([32]byte, uint8, error) {
	for bump := 255; bump >= 0; bump-- {
		parts := make([][]byte, 0, len(seeds)+3)
		parts = append(parts, seeds...)
		parts = append(parts, []byte{uint8(bump)}, program[:], []byte(pdaMarker))
		candidate := crypto.Sha256(parts...)
		if isOffCurve(candidate) {
			return candidate, uint8(bump), nil
		}
	}
	return [32]byte{}, 0, fmt.Errorf("no viable bump for seeds")
}

func isOffCurve(b [32]byte) bool {
	_, err := new(edwards25519.Point).SetBytes(b[:])
	return err != nil
}
