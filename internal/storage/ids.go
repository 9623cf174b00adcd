package storage

import (
	"math/rand/v2"

	"github.com/google/uuid"
)

func newID() string {
	return uuid.NewString()
}

var (
	slugAdjectives = []string{
		"amber", "brave", "calm", "clever", "cosmic", "crisp", "daring", "eager", "fancy", "gentle",
		"golden", "happy", "jolly", "lively", "lucky", "mellow", "nimble", "proud", "quiet", "rapid",
		"shiny", "silent", "snowy", "sunny", "swift", "tidy", "vivid", "witty", "young", "zesty",
	}
	slugNouns = []string{
		"badger", "breeze", "canyon", "comet", "dolphin", "falcon", "forest", "garden", "harbor", "island",
		"lantern", "meadow", "nebula", "otter", "panda", "pebble", "planet", "quartz", "river", "rocket",
		"sparrow", "summit", "thunder", "tiger", "valley", "violet", "walrus", "willow", "yak", "zephyr",
	}
)

// NewProjectName returns a random two-word kebab-case display name.
func NewProjectName() string {
	return slugAdjectives[rand.IntN(len(slugAdjectives))] + "-" + slugNouns[rand.IntN(len(slugNouns))]
}
