package codebase

import "strings"

// Delta is the part of a resubmission that its prior version lacked.
type Delta struct {
	Files        []File
	AddedLines   int64
	ChangedFiles int
}

func (d Delta) Empty() bool {
	return d.AddedLines == 0
}

// Diff compares current against prior per path, treating each file as a
// multiset of lines. Lines only present in current, blank lines excluded,
// form the delta. Moving or reordering lines adds nothing.
func Diff(prior, current []File) Delta {
	before := make(map[string]map[string]int, len(prior))
	for _, f := range prior {
		counts := before[f.Path]
		if counts == nil {
			counts = make(map[string]int)
			before[f.Path] = counts
		}
		for _, line := range strings.Split(f.Content, "\n") {
			counts[normalize(line)]++
		}
	}

	var d Delta
	for _, f := range current {
		counts := before[f.Path]
		var added []string
		for _, line := range strings.Split(f.Content, "\n") {
			key := normalize(line)
			if key == "" {
				continue
			}
			if counts[key] > 0 {
				counts[key]--
				continue
			}
			added = append(added, line)
		}
		if len(added) == 0 {
			continue
		}

		d.ChangedFiles++
		d.AddedLines += int64(len(added))
		d.Files = append(d.Files, File{Path: f.Path, Content: strings.Join(added, "\n")})
	}
	return d
}

func normalize(line string) string {
	return strings.TrimSpace(line)
}
