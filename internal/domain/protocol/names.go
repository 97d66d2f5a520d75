package protocol

import (
	"crypto/rand"
	"encoding/binary"

	"github.com/google/uuid"
)

// adjectives and nouns are fixed word lists used to build human-readable
// session names. Kept short and pronounceable on purpose.
var adjectives = [...]string{
	"amber", "ancient", "bold", "brave", "brisk", "calm", "clever", "coral",
	"crimson", "curious", "dusty", "eager", "early", "ember", "faint",
	"fleet", "fond", "gentle", "golden", "grand", "gray", "green", "hollow",
	"humble", "iron", "jade", "keen", "lively", "lucid", "lunar", "misty",
	"mossy", "muted", "nimble", "noble", "ochre", "pale", "plain", "quiet",
	"rapid", "restless", "rosy", "rough", "rustic", "sharp", "silent",
	"silver", "sleek", "slow", "small",
}

var nouns = [...]string{
	"anchor", "arrow", "basin", "beacon", "birch", "boulder", "bramble",
	"brook", "canyon", "cedar", "cliff", "comet", "coral", "crane",
	"current", "delta", "ember", "falcon", "fern", "fjord", "forest",
	"glacier", "grove", "harbor", "hollow", "island", "lantern", "ledge",
	"meadow", "mesa", "orbit", "otter", "pebble", "plateau", "quarry",
	"reef", "ridge", "river", "shoal", "signal", "spark", "summit",
	"tern", "thicket", "tide", "timber", "valley", "willow", "wren", "zenith",
}

// randomIndex returns an index in [0, n) using crypto/rand, reducing a
// random 64-bit value modulo n; for the list sizes used here the resulting
// modulo bias is negligible. It returns 0 if crypto/rand fails.
func randomIndex(n int) int {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0
	}
	return int(binary.BigEndian.Uint64(b[:]) % uint64(n))
}

// GenerateSessionID produces a cryptographically random SessionId: a UUIDv4
// id and an adjective-noun name, optionally prefixed with serverName.
func GenerateSessionID(serverName string) SessionId {
	name := adjectives[randomIndex(len(adjectives))] + "-" + nouns[randomIndex(len(nouns))]
	if serverName != "" {
		name = serverName + "-" + name
	}
	return SessionId{
		ID:   uuid.NewString(),
		Name: name,
	}
}
