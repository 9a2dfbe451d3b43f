package model

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

// GenerateName is the out-of-scope name-generator collaborator (see
// spec.md §1, "Out of scope"). It only needs to produce lowercase,
// hyphenated, reasonably unique candidates; the Session Manager is
// responsible for retrying on collision against the store.
func GenerateName() string {
	adj := adjectives[randIndex(len(adjectives))]
	noun := nouns[randIndex(len(nouns))]
	suffix := randIndex(10000)
	return fmt.Sprintf("%s-%s-%04d", adj, noun, suffix)
}

func randIndex(n int) int {
	max := big.NewInt(int64(n))
	v, err := rand.Int(rand.Reader, max)
	if err != nil {
		return 0
	}
	return int(v.Int64())
}

var adjectives = []string{
	"amber", "brisk", "calm", "dusty", "eager", "faint", "gentle", "hollow",
	"icy", "jolly", "keen", "lucid", "mellow", "nimble", "opal", "plain",
	"quiet", "rusty", "silent", "terse", "umber", "vivid", "wry", "young",
}

var nouns = []string{
	"brook", "cedar", "delta", "ember", "fern", "grove", "harbor", "inlet",
	"jasper", "kestrel", "lagoon", "meadow", "nectar", "onyx", "pebble",
	"quartz", "ridge", "sparrow", "thicket", "urchin", "valley", "willow",
}
