package utils

import (
	"fmt"
	"math/bits"
	"strings"

	"golang.org/x/exp/constraints"
)

// FlagStringMapping names the individual bits of a flag type so a combination of them can be
// printed as "FlagA|FlagB"
type FlagStringMapping[T constraints.Integer] struct {
	names map[T]string
}

func NewFlagStringMapping[T constraints.Integer]() FlagStringMapping[T] {
	return FlagStringMapping[T]{names: make(map[T]string)}
}

func (m FlagStringMapping[T]) Register(flag T, name string) {
	m.names[flag] = name
}

// FlagsToString joins the names of every set bit with "|". Unregistered bits are printed in hex.
func (m FlagStringMapping[T]) FlagsToString(flags T) string {
	if flags == 0 {
		return "None"
	}

	var sb strings.Builder
	remaining := uint64(flags)
	for remaining != 0 {
		bit := uint64(1) << bits.TrailingZeros64(remaining)
		remaining &^= bit

		if sb.Len() > 0 {
			sb.WriteRune('|')
		}

		name, ok := m.names[T(bit)]
		if ok {
			sb.WriteString(name)
		} else {
			sb.WriteString(fmt.Sprintf("UNKNOWN FLAG (%#x)", bit))
		}
	}

	return sb.String()
}
