// Package rowsource feeds the export pipeline: allocation rows filtered
// by year/center/delta, the special-school roster, and the
// manager-centers table behind the allocation gate. Production runs on
// PostgreSQL; lite mode runs the same queries on SQLite.
package rowsource

import (
	"context"
	"time"
)

// Row is one allocation row as fetched, before normalization. The
// student_type export column is not here: it is derived against the
// roster during the export query phase.
type Row struct {
	NationalID     string
	Counter        string
	FirstName      string
	LastName       string
	Gender         int
	Mobile         string
	RegCenter      int
	RegStatus      int
	GroupCode      string
	SchoolCode     string
	MentorID       string
	MentorName     string
	MentorMobile   string
	AllocationDate time.Time
	YearCode       string
}

// DeltaWindow bounds a delta export to rows created inside (after, before].
type DeltaWindow struct {
	CreatedAfter  time.Time `json:"created_after"`
	CreatedBefore time.Time `json:"created_before"`
}

// Filters select the export population. Center nil means every center.
type Filters struct {
	Year   int          `json:"year"`
	Center *int         `json:"center,omitempty"`
	Delta  *DeltaWindow `json:"delta,omitempty"`
}

// DataSource produces the rows an export run will write.
type DataSource interface {
	Rows(ctx context.Context, f Filters) ([]Row, error)
}

// Roster answers whether (year, school) is a special school; special
// rows export student_type=1.
type Roster interface {
	IsSpecial(year, schoolCode int) bool
}

// SliceSource serves fixed rows; tests and the doctor command use it.
type SliceSource []Row

func (s SliceSource) Rows(_ context.Context, f Filters) ([]Row, error) {
	out := make([]Row, 0, len(s))
	for _, r := range s {
		if f.Center != nil && r.RegCenter != *f.Center {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// StaticRoster is a preloaded in-memory roster.
type StaticRoster map[int]map[int]bool

// NewStaticRoster builds a roster from year → special school codes.
func NewStaticRoster(byYear map[int][]int) StaticRoster {
	r := make(StaticRoster, len(byYear))
	for year, codes := range byYear {
		set := make(map[int]bool, len(codes))
		for _, c := range codes {
			set[c] = true
		}
		r[year] = set
	}
	return r
}

func (r StaticRoster) IsSpecial(year, schoolCode int) bool {
	return r[year][schoolCode]
}

// StaticManagerCenters is a preloaded manager → centers map satisfying
// the allocation gate provider contract.
type StaticManagerCenters map[int][]int

func (s StaticManagerCenters) AllowedCenters(managerID int) ([]int, bool) {
	centers, ok := s[managerID]
	return centers, ok
}
