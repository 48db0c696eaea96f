package viewer

import (
	"math"
	"sort"
)

// normalThreshold bounds how much the slice normal may drift across a
// series that is still considered a 3D volume. Orientation cosines
// carry single-precision accuracy at best, so the tolerance is ten
// times the float32 machine epsilon; double-precision parsing noise
// stays well below it.
const normalThreshold = 10.0 * 1.1920929e-7

// SeriesVolumeSorter orders the instances of a series. When every
// instance carries a position and the slice normal is constant, the
// series is a 3D volume and instances are sorted by their projection
// along the normal. Otherwise the sorter falls back to the index of
// each instance within the series.
type SeriesVolumeSorter struct {
	isVolume bool
	sorted   bool

	normal    [3]float64
	positions []instanceWithPosition
	indexes   []instanceWithIndex
}

type instanceWithPosition struct {
	id       string
	distance float64
}

type instanceWithIndex struct {
	id    string
	index int
}

// NewSeriesVolumeSorter builds an empty sorter.
func NewSeriesVolumeSorter() *SeriesVolumeSorter {
	return &SeriesVolumeSorter{isVolume: true, sorted: true}
}

// AddInstance feeds one instance into the sorter.
func (s *SeriesVolumeSorter) AddInstance(instanceID string, info InstanceInformation) {
	if info.HasIndex() {
		s.indexes = append(s.indexes, instanceWithIndex{id: instanceID, index: *info.Index})
	}

	if !s.isVolume || !info.HasPosition() {
		s.isVolume = false
	} else {
		if len(s.positions) == 0 {
			// First slice of a possible 3D volume. Remember its normal.
			s.normal[0] = info.Normal[0]
			s.normal[1] = info.Normal[1]
			s.normal[2] = info.Normal[2]
		} else if math.Abs(s.normal[0]-info.Normal[0]) > normalThreshold ||
			math.Abs(s.normal[1]-info.Normal[1]) > normalThreshold ||
			math.Abs(s.normal[2]-info.Normal[2]) > normalThreshold {
			// The normal is not constant, not a 3D volume.
			s.isVolume = false
			s.positions = nil
		}

		if s.isVolume {
			distance := s.normal[0]*info.Position[0] +
				s.normal[1]*info.Position[1] +
				s.normal[2]*info.Position[2]
			s.positions = append(s.positions, instanceWithPosition{id: instanceID, distance: distance})
		}
	}

	s.sorted = false
}

// Count returns how many instances were added with a usable ordering.
func (s *SeriesVolumeSorter) Count() int {
	if s.isVolume {
		return len(s.positions)
	}
	return len(s.indexes)
}

// GetInstance returns the instance at the given rank of the sorted
// series.
func (s *SeriesVolumeSorter) GetInstance(rank int) string {
	if !s.sorted {
		if s.isVolume {
			sort.SliceStable(s.positions, func(i, j int) bool {
				return s.positions[i].distance < s.positions[j].distance
			})

			if len(s.positions) > 0 {
				a := s.positions[0].distance
				b := s.positions[len(s.positions)-1].distance
				if math.Abs(b-a) <= normalThreshold {
					// Not enough spread along the normal of the volume
					s.isVolume = false
				}
			}
		}

		if !s.isVolume {
			sort.SliceStable(s.indexes, func(i, j int) bool {
				return s.indexes[i].index < s.indexes[j].index
			})
		}

		s.sorted = true
	}

	if s.isVolume {
		return s.positions[rank].id
	}
	return s.indexes[rank].id
}
