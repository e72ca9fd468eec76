package playlist

import (
	"fmt"
	"regexp"
	"strconv"
)

var qualityRe = regexp.MustCompile(`^(\d+)p(\d+)$`)

// SelectVariant picks a variant for the requested quality selector:
// "best", "worst", or "{resolution}p{framerate}". Matching order for an
// explicit selector: exact resolution+framerate, then same resolution with
// the nearest framerate (higher wins a tie), then fall back to best.
// Variants are assumed ordered best-first as Twitch advertises them.
func SelectVariant(variants []Variant, quality string) (Variant, error) {
	if len(variants) == 0 {
		return Variant{}, fmt.Errorf("no variants available")
	}
	switch quality {
	case "", "best":
		return variants[0], nil
	case "worst":
		return variants[len(variants)-1], nil
	}
	m := qualityRe.FindStringSubmatch(quality)
	if m == nil {
		return Variant{}, fmt.Errorf("invalid quality selector %q", quality)
	}
	res, _ := strconv.Atoi(m[1])
	fps, _ := strconv.Atoi(m[2])

	// Exact match first.
	for _, v := range variants {
		if v.Resolution == res && v.Framerate == fps {
			return v, nil
		}
	}
	// Same resolution, nearest framerate. Prefer the higher of two
	// equidistant candidates.
	best := -1
	for i, v := range variants {
		if v.Resolution != res {
			continue
		}
		if best < 0 {
			best = i
			continue
		}
		db := diff(variants[best].Framerate, fps)
		dv := diff(v.Framerate, fps)
		if dv < db || (dv == db && v.Framerate > variants[best].Framerate) {
			best = i
		}
	}
	if best >= 0 {
		return variants[best], nil
	}
	// No resolution match: fall back to best.
	return variants[0], nil
}

func diff(a, b int) int {
	if a > b {
		return a - b
	}
	return b - a
}
