package agent

import (
	"fmt"
	"math/rand"
	"regexp"
)

// Agent names are two concatenated words in PascalCase, like AlphaGlade
// or IronFalls. The dictionary gives 1600 combinations; when they run
// out, overflow names gain a numeric suffix.
var (
	firstWords = []string{
		"Alpha", "Amber", "Ash", "Birch", "Bold", "Brass", "Bright", "Cedar",
		"Cinder", "Clay", "Cloud", "Coal", "Copper", "Coral", "Dawn", "Drift",
		"Dusk", "Ember", "Fern", "Flint", "Frost", "Gold", "Granite", "Hazel",
		"Iron", "Ivory", "Jade", "Lark", "Maple", "Mist", "North", "Oak",
		"Onyx", "Pine", "Quartz", "Raven", "Ridge", "Slate", "Storm", "Wren",
	}
	secondWords = []string{
		"Basin", "Bay", "Bluff", "Brook", "Cairn", "Cliff", "Cove", "Creek",
		"Crest", "Dale", "Delta", "Dune", "Falls", "Field", "Ford", "Fork",
		"Gap", "Glade", "Glen", "Grove", "Harbor", "Haven", "Hill", "Hollow",
		"Isle", "Knoll", "Lake", "Marsh", "Mesa", "Moor", "Peak", "Point",
		"Reach", "Reef", "Ridge", "Shore", "Spring", "Summit", "Vale", "Wood",
	}
)

var namePattern = regexp.MustCompile(`^[A-Z][a-z]+[A-Z][a-z]+[0-9]*$`)

// ValidName reports whether s looks like a generated agent name.
func ValidName(s string) bool {
	return namePattern.MatchString(s)
}

// maxNameDraws bounds the random search before switching to overflow
// suffixes.
const maxNameDraws = 200

// randomName returns an unused name. taken reports whether a candidate
// is already known. With 1600 combinations, random draws find a free
// name quickly unless the registry is nearly full; after that, numbered
// overflow names are probed.
func randomName(taken func(string) bool) string {
	for i := 0; i < maxNameDraws; i++ {
		name := firstWords[rand.Intn(len(firstWords))] + secondWords[rand.Intn(len(secondWords))]
		if !taken(name) {
			return name
		}
	}
	base := firstWords[rand.Intn(len(firstWords))] + secondWords[rand.Intn(len(secondWords))]
	for n := 2; ; n++ {
		name := fmt.Sprintf("%s%d", base, n)
		if !taken(name) {
			return name
		}
	}
}
