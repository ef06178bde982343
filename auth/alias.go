package auth

import (
	"fmt"
	"math/rand/v2"
)

var (
	aliasAdjectives = []string{
		"Shadow", "Neon", "Phantom", "Cipher", "Silent", "Rogue", "Void",
		"Binary", "Hex", "Glitch", "Flux", "Onyx", "Cobalt", "Nova",
		"Vector", "Pulse", "Echo", "Drift", "Frost", "Ember", "Static",
		"Quiet", "Lunar", "Rust", "Signal",
	}
	aliasNouns = []string{
		"Fox", "Wolf", "Hawk", "Viper", "Lynx", "Falcon", "Owl", "Raven",
		"Mantis", "Moth", "Heron", "Kraken", "Wraith", "Daemon", "Sentinel",
		"Runner", "Node", "Proxy", "Socket", "Kernel", "Packet", "Relay",
	}
)

// GenerateAlias returns a display name such as "NeonFox_42".
func GenerateAlias() string {
	adj := aliasAdjectives[rand.IntN(len(aliasAdjectives))]
	noun := aliasNouns[rand.IntN(len(aliasNouns))]
	return fmt.Sprintf("%s%s_%d", adj, noun, rand.IntN(99)+1)
}
