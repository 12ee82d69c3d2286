package acupuncture

import (
	"fmt"
	"sort"

	"github.com/timmyxieat/tcm-intake/pkg/types/note"
)

// PointRange maps the inclusive point numbers [Start, End] of one channel to
// an anatomical region.
type PointRange struct {
	Start  int
	End    int
	Region note.RegionName
}

// channelRanges lists, per channel, the ordered ranges covering every point
// number of that channel.
var channelRanges = map[string][]PointRange{
	"LU": {
		{1, 2, note.RegionChest},
		{3, 4, note.RegionUpperArm},
		{5, 9, note.RegionForearm},
		{10, 11, note.RegionHand},
	},
	"LI": {
		{1, 5, note.RegionHand},
		{6, 11, note.RegionForearm},
		{12, 15, note.RegionUpperArm},
		{16, 16, note.RegionBack},
		{17, 18, note.RegionNeck},
		{19, 20, note.RegionFace},
	},
	"ST": {
		{1, 8, note.RegionFace},
		{9, 12, note.RegionNeck},
		{13, 18, note.RegionChest},
		{19, 30, note.RegionAbdomen},
		{31, 34, note.RegionThigh},
		{35, 40, note.RegionLowerLeg},
		{41, 45, note.RegionFoot},
	},
	"SP": {
		{1, 5, note.RegionFoot},
		{6, 9, note.RegionLowerLeg},
		{10, 11, note.RegionThigh},
		{12, 12, note.RegionHip},
		{13, 16, note.RegionAbdomen},
		{17, 21, note.RegionChest},
	},
	"HT": {
		{1, 2, note.RegionUpperArm},
		{3, 7, note.RegionForearm},
		{8, 9, note.RegionHand},
	},
	"SI": {
		{1, 4, note.RegionHand},
		{5, 8, note.RegionForearm},
		{9, 10, note.RegionUpperArm},
		{11, 15, note.RegionShoulder},
		{16, 17, note.RegionNeck},
		{18, 19, note.RegionFace},
	},
	"BL": {
		{1, 2, note.RegionFace},
		{3, 9, note.RegionHead},
		{10, 10, note.RegionNeck},
		{11, 25, note.RegionBack},
		{26, 35, note.RegionHip},
		{36, 40, note.RegionThigh},
		{41, 52, note.RegionBack},
		{53, 54, note.RegionHip},
		{55, 59, note.RegionLowerLeg},
		{60, 67, note.RegionFoot},
	},
	"KD": {
		{1, 6, note.RegionFoot},
		{7, 10, note.RegionLowerLeg},
		{11, 11, note.RegionHip},
		{12, 21, note.RegionAbdomen},
		{22, 27, note.RegionChest},
	},
	"PC": {
		{1, 1, note.RegionChest},
		{2, 2, note.RegionUpperArm},
		{3, 7, note.RegionForearm},
		{8, 9, note.RegionHand},
	},
	"SJ": {
		{1, 4, note.RegionHand},
		{5, 9, note.RegionForearm},
		{10, 13, note.RegionUpperArm},
		{14, 15, note.RegionShoulder},
		{16, 16, note.RegionNeck},
		{17, 20, note.RegionHead},
		{21, 23, note.RegionFace},
	},
	"GB": {
		{1, 7, note.RegionFace},
		{8, 13, note.RegionHead},
		{14, 14, note.RegionFace},
		{15, 20, note.RegionHead},
		{21, 21, note.RegionShoulder},
		{22, 23, note.RegionChest},
		{24, 26, note.RegionAbdomen},
		{27, 30, note.RegionHip},
		{31, 33, note.RegionThigh},
		{34, 39, note.RegionLowerLeg},
		{40, 44, note.RegionFoot},
	},
	"LV": {
		{1, 4, note.RegionFoot},
		{5, 8, note.RegionLowerLeg},
		{9, 12, note.RegionThigh},
		{13, 14, note.RegionAbdomen},
	},
	"REN": {
		{1, 2, note.RegionHip},
		{3, 16, note.RegionAbdomen},
		{17, 22, note.RegionChest},
		{23, 23, note.RegionNeck},
		{24, 24, note.RegionFace},
	},
	"DU": {
		{1, 2, note.RegionHip},
		{3, 14, note.RegionBack},
		{15, 16, note.RegionNeck},
		{17, 24, note.RegionHead},
		{25, 28, note.RegionFace},
	},
}

// channelAliases rewrites alternative channel abbreviations to the codes used
// by channelRanges.
var channelAliases = map[string]string{
	"KI": "KD",
	"LR": "LV",
	"TE": "SJ",
	"TB": "SJ",
	"TW": "SJ",
	"P":  "PC",
	"H":  "HT",
}

// extraPoints holds named points with no channel-number form, keyed by the
// normalized (uppercase, no whitespace) name.
var extraPoints = map[string]note.RegionName{
	"YINTANG":    note.RegionHead,
	"LINGGU":     note.RegionHand,
	"DABAI":      note.RegionHand,
	"TAIYANG":    note.RegionHead,
	"SISHENCONG": note.RegionHead,
	"QIMEN":      note.RegionChest,
	"ANMIAN":     note.RegionNeck,
	"BAILAO":     note.RegionNeck,
}

// tungSeries maps the series prefix of a Master Tung point ("22" in "22.05")
// to its region.  The 99 series sits on the ear.
var tungSeries = map[string]note.RegionName{
	"11":   note.RegionHand,
	"22":   note.RegionHand,
	"33":   note.RegionForearm,
	"44":   note.RegionUpperArm,
	"55":   note.RegionFoot,
	"66":   note.RegionFoot,
	"77":   note.RegionLowerLeg,
	"88":   note.RegionThigh,
	"99":   note.RegionHead,
	"1010": note.RegionFace,
}

// Channels returns the channel codes of the range table, sorted.
func Channels() []string {
	out := make([]string, 0, len(channelRanges))
	for ch := range channelRanges {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

// ChannelRanges returns a copy of the ranges of channel, or nil when the
// channel is unknown.  Aliases are resolved.
func ChannelRanges(channel string) []PointRange {
	if alias, ok := channelAliases[channel]; ok {
		channel = alias
	}
	ranges, ok := channelRanges[channel]
	if !ok {
		return nil
	}
	out := make([]PointRange, len(ranges))
	copy(out, ranges)
	return out
}

// ValidateChannelTable checks that every channel's ranges start at point 1,
// are ordered, contiguous and non-overlapping, and name a known region.
func ValidateChannelTable() error {
	return validateRanges(channelRanges)
}

func validateRanges(table map[string][]PointRange) error {
	for _, ch := range sortedKeys(table) {
		ranges := table[ch]
		if len(ranges) == 0 {
			return fmt.Errorf("channel %s: no ranges", ch)
		}
		if ranges[0].Start != 1 {
			return fmt.Errorf("channel %s: first range starts at %d, want 1", ch, ranges[0].Start)
		}
		for i, r := range ranges {
			if r.End < r.Start {
				return fmt.Errorf("channel %s: range %d-%d is inverted", ch, r.Start, r.End)
			}
			if !r.Region.Valid() || r.Region == note.RegionOther {
				return fmt.Errorf("channel %s: range %d-%d has invalid region %q", ch, r.Start, r.End, r.Region)
			}
			if i == 0 {
				continue
			}
			prev := ranges[i-1]
			switch {
			case r.Start <= prev.End:
				return fmt.Errorf("channel %s: range %d-%d overlaps %d-%d", ch, r.Start, r.End, prev.Start, prev.End)
			case r.Start > prev.End+1:
				return fmt.Errorf("channel %s: gap between %d and %d", ch, prev.End, r.Start)
			}
		}
	}
	return nil
}

func sortedKeys(table map[string][]PointRange) []string {
	keys := make([]string, 0, len(table))
	for k := range table {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
