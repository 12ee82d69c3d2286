// Package acupuncture maps acupuncture point identifiers to anatomical
// regions, groups flat point lists by region and derives the side/method
// annotation shown next to each point.
//
// Every function in this package is pure.  The lookup tables are read-only
// after init, so a Classifier may be shared between goroutines.
package acupuncture

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/timmyxieat/tcm-intake/pkg/types/note"
)

// MissReason explains why a point fell back to the Other region.
type MissReason string

const (
	MissNone           MissReason = ""
	MissUnparseable    MissReason = "unparseable"
	MissUnknownChannel MissReason = "unknown_channel"
	MissOutOfRange     MissReason = "out_of_range"
)

// Classification is the detailed result of classifying one point name.
type Classification struct {
	Name    string          `json:"name"`
	Region  note.RegionName `json:"region"`
	Channel string          `json:"channel,omitempty"`
	Index   int             `json:"index,omitempty"`
	Extra   bool            `json:"extra,omitempty"`
	Series  string          `json:"series,omitempty"`
	Miss    MissReason      `json:"miss,omitempty"`
}

// IsMiss reports whether the point fell back to Other.
func (c Classification) IsMiss() bool { return c.Miss != MissNone }

// MissObserver receives every classification miss.  Misses never fail the
// caller; they are a data-quality signal.
type MissObserver interface {
	ObserveMiss(c Classification)
}

// MissObserverFunc adapts a function to MissObserver.
type MissObserverFunc func(c Classification)

// ObserveMiss calls f(c).
func (f MissObserverFunc) ObserveMiss(c Classification) { f(c) }

var (
	conceptionPattern = regexp.MustCompile(`^CV-?(\d+)$`)
	governingPattern  = regexp.MustCompile(`^GV-?(\d+)$`)
	genericPattern    = regexp.MustCompile(`^([A-Z]+)-?(\d+)$`)
	tungPattern       = regexp.MustCompile(`^(\d{2,4})\.(\d{2})$`)
)

// Classifier resolves point names to regions.  The zero value is usable and
// reports misses nowhere.
type Classifier struct {
	observer MissObserver
}

// ClassifierOption configures a Classifier.
type ClassifierOption func(*Classifier)

// WithMissObserver routes misses to o.
func WithMissObserver(o MissObserver) ClassifierOption {
	return func(c *Classifier) { c.observer = o }
}

// NewClassifier builds a Classifier.
func NewClassifier(opts ...ClassifierOption) *Classifier {
	c := &Classifier{}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var defaultClassifier = NewClassifier()

// ClassifyPoint returns the region of a point name, Other when it cannot be
// classified.
func ClassifyPoint(name string) note.RegionName {
	return defaultClassifier.Classify(name).Region
}

// Classify resolves name in this order: extra points, Master Tung codes,
// CV/GV notation, then the generic CHANNEL-NUMBER form.
func (c *Classifier) Classify(name string) Classification {
	res := classify(name)
	if res.IsMiss() && c != nil && c.observer != nil {
		c.observer.ObserveMiss(res)
	}
	return res
}

func classify(name string) Classification {
	key := normalize(name)
	res := Classification{Name: name, Region: note.RegionOther}

	if region, ok := extraPoints[key]; ok {
		res.Region = region
		res.Extra = true
		return res
	}

	if m := tungPattern.FindStringSubmatch(key); m != nil {
		res.Series = m[1]
		region, ok := tungSeries[m[1]]
		if !ok {
			res.Miss = MissUnknownChannel
			return res
		}
		res.Region = region
		return res
	}

	var channel, digits string
	if m := conceptionPattern.FindStringSubmatch(key); m != nil {
		channel, digits = "REN", m[1]
	} else if m := governingPattern.FindStringSubmatch(key); m != nil {
		channel, digits = "DU", m[1]
	} else if m := genericPattern.FindStringSubmatch(key); m != nil {
		channel, digits = m[1], m[2]
	} else {
		res.Miss = MissUnparseable
		return res
	}

	if alias, ok := channelAliases[channel]; ok {
		channel = alias
	}
	res.Channel = channel

	index, err := strconv.Atoi(digits)
	if err != nil {
		res.Miss = MissUnparseable
		return res
	}
	res.Index = index

	ranges, ok := channelRanges[channel]
	if !ok {
		res.Miss = MissUnknownChannel
		return res
	}
	for _, r := range ranges {
		if index >= r.Start && index <= r.End {
			res.Region = r.Region
			return res
		}
	}
	res.Miss = MissOutOfRange
	return res
}

// normalize trims, uppercases and removes all whitespace.
func normalize(name string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return unicode.ToUpper(r)
	}, name)
}
