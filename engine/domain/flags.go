package domain

import "strings"

// Flags is the pr0gramm content-rating bitset carried on every post.
type Flags uint32

const (
	FlagSFW  Flags = 1 << 0
	FlagNSFW Flags = 1 << 1
	FlagNSFL Flags = 1 << 2
	FlagNSFP Flags = 1 << 3
	FlagPOL  Flags = 1 << 4

	// FlagAll selects every rating; also the value sent on feed requests.
	FlagAll = FlagSFW | FlagNSFW | FlagNSFL | FlagNSFP | FlagPOL
)

var flagNames = []struct {
	flag Flags
	name string
}{
	{FlagSFW, "sfw"},
	{FlagNSFW, "nsfw"},
	{FlagNSFL, "nsfl"},
	{FlagNSFP, "nsfp"},
	{FlagPOL, "pol"},
}

// Has reports whether all bits of f are set.
func (fl Flags) Has(f Flags) bool { return fl&f == f }

func (fl Flags) String() string {
	var names []string
	for _, fn := range flagNames {
		if fl.Has(fn.flag) {
			names = append(names, fn.name)
		}
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, ",")
}

// ParseFlags builds a bitset from a comma-separated list of rating names.
// Empty input means FlagAll. Unknown names are rejected.
func ParseFlags(s string) (Flags, error) {
	if strings.TrimSpace(s) == "" {
		return FlagAll, nil
	}
	var fl Flags
	for _, part := range strings.Split(s, ",") {
		name := strings.ToLower(strings.TrimSpace(part))
		found := false
		for _, fn := range flagNames {
			if fn.name == name {
				fl |= fn.flag
				found = true
				break
			}
		}
		if !found {
			return 0, NewFlagError(name)
		}
	}
	return fl, nil
}
