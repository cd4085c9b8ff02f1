package codebase

import (
	"path"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"
)

// Delimiter starts every file segment of a submission. It is immediately
// followed by the relative path and a newline.
const Delimiter = "<<<FILE:"

type File struct {
	Path    string
	Content string
}

type ParseOptions struct {
	// IgnorePatterns are doublestar globs; matching files are dropped.
	IgnorePatterns []string
}

// Parse splits a submission blob into files in submission order. Bad
// segments are logged and skipped; Parse never fails the whole blob.
func Parse(blob string, opts ParseOptions) []File {
	patterns := validPatterns(opts.IgnorePatterns)

	segments := strings.Split(blob, Delimiter)
	if lead := segments[0]; strings.TrimSpace(lead) != "" {
		zap.L().Warn("⚠️ dropping content before first file delimiter", zap.Int("bytes", len(lead)))
	}

	files := make([]File, 0, len(segments)-1)
	for i, seg := range segments[1:] {
		if strings.TrimSpace(seg) == "" {
			continue
		}

		nl := strings.IndexByte(seg, '\n')
		if nl < 0 {
			zap.L().Warn("⚠️ dropping segment without newline", zap.Int("segment", i))
			continue
		}

		p, ok := cleanPath(seg[:nl])
		if !ok {
			zap.L().Warn("⚠️ dropping segment with invalid path",
				zap.Int("segment", i),
				zap.String("path", strings.TrimSpace(seg[:nl])),
			)
			continue
		}

		if ignored(patterns, p) {
			zap.L().Debug("ignoring file", zap.String("path", p))
			continue
		}

		files = append(files, File{Path: p, Content: seg[nl+1:]})
	}

	return files
}

func cleanPath(raw string) (string, bool) {
	p := strings.TrimSpace(strings.TrimSuffix(raw, "\r"))
	p = strings.ReplaceAll(p, `\`, "/")
	if p == "" || strings.HasPrefix(p, "/") {
		return "", false
	}

	p = path.Clean(p)
	if p == "." || p == ".." || strings.HasPrefix(p, "../") {
		return "", false
	}
	return p, true
}

func validPatterns(patterns []string) []string {
	out := make([]string, 0, len(patterns))
	for _, pattern := range patterns {
		if !doublestar.ValidatePattern(pattern) {
			zap.L().Warn("⚠️ skipping invalid ignore pattern", zap.String("pattern", pattern))
			continue
		}
		out = append(out, pattern)
	}
	return out
}

func ignored(patterns []string, p string) bool {
	for _, pattern := range patterns {
		if ok, _ := doublestar.Match(pattern, p); ok {
			return true
		}
	}
	return false
}

// Concat joins file contents in order, the text the tokenizer, the
// compression proxy and the embedding all see.
func Concat(files []File) string {
	var b strings.Builder
	for i, f := range files {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(f.Content)
	}
	return b.String()
}
