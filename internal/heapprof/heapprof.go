// Package heapprof renders heap histograms as pprof heap profiles so they
// can be explored with go tool pprof.
package heapprof

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/pprof/profile"

	"github.com/heapstream/internal/layout"
	"github.com/heapstream/pkg/model"
)

// Sample types, in sample value order.
const (
	SampleTypeInuseObjects = "inuse_objects"
	SampleTypeInuseSpace   = "inuse_space"
)

// Build returns a profile with one sample per type in hist. Each type gets
// a synthetic single-frame location named after it, qualified by its kind.
func Build(hist []model.TypeCount, source string) *profile.Profile {
	p := &profile.Profile{
		SampleType: []*profile.ValueType{
			{Type: SampleTypeInuseObjects, Unit: "count"},
			{Type: SampleTypeInuseSpace, Unit: "bytes"},
		},
		DefaultSampleType: SampleTypeInuseSpace,
		PeriodType:        &profile.ValueType{Type: "space", Unit: "bytes"},
		Period:            1,
		TimeNanos:         time.Now().UnixNano(),
		Comments:          []string{"heapstream histogram of " + source},
	}

	for i, tc := range hist {
		id := uint64(i + 1)
		fn := &profile.Function{
			ID:         id,
			Name:       tc.Type,
			SystemName: fmt.Sprintf("%s %s", tc.Kind, tc.Type),
			Filename:   source,
		}
		loc := &profile.Location{
			ID:   id,
			Line: []profile.Line{{Function: fn}},
		}
		p.Function = append(p.Function, fn)
		p.Location = append(p.Location, loc)
		p.Sample = append(p.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{tc.Objects, tc.Words * layout.WordSize},
			Label:    map[string][]string{"kind": {tc.Kind}},
		})
	}
	return p
}

// Write builds the profile for hist and writes it gzip-compressed to w.
func Write(w io.Writer, hist []model.TypeCount, source string) error {
	p := Build(hist, source)
	if err := p.CheckValid(); err != nil {
		return fmt.Errorf("invalid heap profile: %w", err)
	}
	return p.Write(w)
}

// WriteFile writes the profile for hist to path.
func WriteFile(path string, hist []model.TypeCount, source string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create profile: %w", err)
	}
	if err := Write(f, hist, source); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Top parses a profile and returns its n largest types by inuse_space.
func Top(r io.Reader, n int) ([]model.TypeCount, error) {
	p, err := profile.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse pprof: %w", err)
	}
	objects, space := -1, -1
	for i, st := range p.SampleType {
		switch st.Type {
		case SampleTypeInuseObjects:
			objects = i
		case SampleTypeInuseSpace:
			space = i
		}
	}
	if objects < 0 || space < 0 {
		return nil, fmt.Errorf("profile has no %s/%s samples", SampleTypeInuseObjects, SampleTypeInuseSpace)
	}

	byType := make(map[string]*model.TypeCount)
	for _, s := range p.Sample {
		if len(s.Location) == 0 || len(s.Location[0].Line) == 0 {
			continue
		}
		name := s.Location[0].Line[0].Function.Name
		tc, ok := byType[name]
		if !ok {
			tc = &model.TypeCount{Type: name}
			if kinds := s.Label["kind"]; len(kinds) > 0 {
				tc.Kind = kinds[0]
			}
			byType[name] = tc
		}
		tc.Objects += s.Value[objects]
		tc.Words += s.Value[space] / layout.WordSize
	}

	out := model.SortTypeCounts(byType)
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out, nil
}
