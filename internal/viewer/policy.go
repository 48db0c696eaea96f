package viewer

import (
	"encoding/json"
	"strings"
	"sync"

	"dicomview/internal/scheduler"
)

// PrefetchPolicy schedules the work the viewer is most likely to ask
// for next. When a series descriptor is served, the first slices of the
// series are queued; when a decoded frame is served, the slices that
// follow it in its series are queued with the same compression.
//
// The policy must not perform I/O, so it remembers the slice list of
// the series that recently passed through it instead of asking the
// store again.
type PrefetchPolicy struct {
	depth int

	mu      sync.Mutex
	series  map[string][]string // seriesID -> ordered slice keys "<id>_<frame>"
	bySlice map[string]slicePos
	order   []string // series eviction order, oldest first
}

type slicePos struct {
	seriesID string
	rank     int
}

const rememberedSeries = 16

// NewPrefetchPolicy builds a policy scheduling depth slices ahead.
func NewPrefetchPolicy(depth int) *PrefetchPolicy {
	return &PrefetchPolicy{
		depth:   depth,
		series:  make(map[string][]string),
		bySlice: make(map[string]slicePos),
	}
}

// remember indexes the slices of one series for later lookups.
func (p *PrefetchPolicy) remember(seriesID string, slices []string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, known := p.series[seriesID]; !known {
		p.order = append(p.order, seriesID)
		if len(p.order) > rememberedSeries {
			evicted := p.order[0]
			p.order = p.order[1:]
			for _, s := range p.series[evicted] {
				delete(p.bySlice, s)
			}
			delete(p.series, evicted)
		}
	}

	p.series[seriesID] = slices
	for rank, s := range slices {
		p.bySlice[s] = slicePos{seriesID: seriesID, rank: rank}
	}
}

// lookup finds the series and rank of one slice key.
func (p *PrefetchPolicy) lookup(slice string) ([]string, int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pos, ok := p.bySlice[slice]
	if !ok {
		return nil, 0, false
	}
	return p.series[pos.seriesID], pos.rank, true
}

// Apply implements scheduler.PrefetchPolicy.
func (p *PrefetchPolicy) Apply(s *scheduler.Scheduler, bundle int, key string,
	content []byte) ([]scheduler.Target, error) {

	switch bundle {
	case BundleSeriesInformation:
		var info SeriesInformation
		if err := json.Unmarshal(content, &info); err != nil {
			return nil, err
		}
		p.remember(key, info.Slices)

		var targets []scheduler.Target
		for i, slice := range info.Slices {
			if i >= p.depth {
				break
			}
			targets = append(targets, scheduler.Target{
				Bundle: BundleDecodedImage,
				Key:    "deflate-" + slice,
			})
		}
		return targets, nil

	case BundleDecodedImage:
		separator := strings.Index(key, "-")
		if separator < 1 {
			return nil, nil
		}
		compression := key[:separator]
		slice := key[separator+1:]

		slices, rank, ok := p.lookup(slice)
		if !ok {
			return nil, nil
		}

		var targets []scheduler.Target
		for i := rank + 1; i < len(slices) && i <= rank+p.depth; i++ {
			if cached, err := s.IsCached(BundleDecodedImage, compression+"-"+slices[i]); err == nil && cached {
				continue
			}
			targets = append(targets, scheduler.Target{
				Bundle: BundleDecodedImage,
				Key:    compression + "-" + slices[i],
			})
		}
		return targets, nil
	}

	return nil, nil
}
