package agents

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	mrand "math/rand/v2"
)

// Adjectives - workshop/weather themed
var adjectives = []string{
	// materials
	"iron", "steel", "copper", "brass", "cobalt",
	"carbon", "granite", "slate", "amber", "jade",
	"oak", "cedar", "birch", "maple", "flint",

	// weather
	"misty", "windy", "rainy", "sunny", "frosty",
	"stormy", "foggy", "balmy", "breezy", "humid",

	// temperament
	"steady", "patient", "eager", "tireless", "nimble",
	"sturdy", "careful", "honest", "humble", "plucky",
	"quiet", "loyal", "brave", "calm", "keen",
	"diligent", "frugal", "hardy", "jolly", "prompt",

	// motion
	"swift", "rapid", "brisk", "agile", "spry",
	"rolling", "turning", "humming", "ticking", "whirring",
}

// Nouns - trades and machinery
var nouns = []string{
	// tools
	"anvil", "chisel", "hammer", "wrench", "lathe",
	"drill", "auger", "mallet", "plane", "rasp",
	"vise", "clamp", "file", "awl", "saw",

	// machinery
	"gear", "piston", "crank", "spindle", "bearing",
	"turbine", "boiler", "furnace", "forge", "kiln",
	"pump", "valve", "lever", "pulley", "winch",
	"loom", "press", "mill", "rotor", "sprocket",

	// workers
	"smith", "mason", "joiner", "cooper", "tinker",
	"welder", "fitter", "miller", "turner", "wright",

	// beasts of burden
	"mule", "ox", "draft", "pony", "yak",
	"camel", "llama", "donkey", "bison", "beaver",
}

// GenerateNick returns a random adjective_noun display name such as
// "steady_anvil". Nicks are cosmetic and not guaranteed unique.
func GenerateNick() string {
	return fmt.Sprintf("%s_%s", adjectives[mrand.IntN(len(adjectives))], nouns[mrand.IntN(len(nouns))])
}

// NewID returns an agent id: "A" followed by 160 random bits in hex.
func NewID() string {
	var b [20]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(fmt.Sprintf("agents: reading random bytes: %v", err))
	}
	return "A" + hex.EncodeToString(b[:])
}
