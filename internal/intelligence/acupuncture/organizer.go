package acupuncture

import (
	"sort"

	"github.com/timmyxieat/tcm-intake/pkg/types/note"
)

// Organizer groups flat point lists by region using its Classifier.
type Organizer struct {
	classifier *Classifier
}

// NewOrganizer returns an Organizer backed by c.  A nil c uses a Classifier
// without a miss observer.
func NewOrganizer(c *Classifier) *Organizer {
	if c == nil {
		c = NewClassifier()
	}
	return &Organizer{classifier: c}
}

var defaultOrganizer = NewOrganizer(defaultClassifier)

// OrganizeByRegion groups points by region.  Points keep their relative order
// inside a region and regions are sorted by name.  The result never aliases
// the input slice.
func OrganizeByRegion(points []note.FlatPoint) []note.Region {
	return defaultOrganizer.Organize(points)
}

// Organize is OrganizeByRegion with misses reported to the Classifier's
// observer.
func (o *Organizer) Organize(points []note.FlatPoint) []note.Region {
	regions := make([]note.Region, 0)
	slot := make(map[note.RegionName]int)

	for _, p := range points {
		region := o.classifier.Classify(p.Name).Region
		i, ok := slot[region]
		if !ok {
			i = len(regions)
			slot[region] = i
			regions = append(regions, note.Region{Region: region, Points: make([]note.FlatPoint, 0, 4)})
		}
		regions[i].Points = append(regions[i].Points, p)
	}

	sort.SliceStable(regions, func(a, b int) bool {
		return regions[a].Region < regions[b].Region
	})
	return regions
}
