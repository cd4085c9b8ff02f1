package codebase

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"

	"codemint-controlplane/pkg/linecount"
	"codemint-controlplane/pkg/tokenizer"

	"github.com/klauspost/compress/zlib"
	"go.uber.org/zap"
)

var errNoAnalyzer = errors.New("codebase: no line counter configured")

type Metrics struct {
	FileCount        int
	LLOC             int64
	Tokens           int64
	AvgComplexity    float64
	CompressionRatio float64
	Languages        map[string]linecount.LanguageStats
}

type Extractor struct {
	analyzer  linecount.Analyzer
	tokenizer tokenizer.Tokenizer
}

func NewExtractor(analyzer linecount.Analyzer, tok tokenizer.Tokenizer) *Extractor {
	return &Extractor{analyzer: analyzer, tokenizer: tok}
}

// Extract measures files. Analyzer problems leave line and complexity
// figures at zero; tokens and compression ratio are always computed.
func (e *Extractor) Extract(ctx context.Context, files []File) Metrics {
	content := Concat(files)
	m := Metrics{
		FileCount:        len(files),
		Tokens:           e.tokenizer.Count(content),
		CompressionRatio: CompressionRatio([]byte(content)),
	}

	langs, err := e.analyze(ctx, files)
	if err != nil {
		zap.L().Warn("⚠️ line counter unavailable, using zero metrics", zap.Error(err))
		return m
	}

	m.Languages = langs
	var files64, complexity int64
	for _, s := range langs {
		m.LLOC += s.Code
		files64 += s.Files
		complexity += s.Complexity
	}
	if files64 > 0 {
		m.AvgComplexity = float64(complexity) / float64(files64)
	}
	return m
}

// Tokens counts the tokens of files joined as Extract joins them.
func (e *Extractor) Tokens(files []File) int64 {
	return e.tokenizer.Count(Concat(files))
}

func (e *Extractor) analyze(ctx context.Context, files []File) (map[string]linecount.LanguageStats, error) {
	if e.analyzer == nil {
		return nil, errNoAnalyzer
	}

	dir, err := os.MkdirTemp("", "contribution-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)

	for _, f := range files {
		dst := filepath.Join(dir, filepath.FromSlash(f.Path))
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return nil, err
		}
		if err := os.WriteFile(dst, []byte(f.Content), 0o644); err != nil {
			return nil, err
		}
	}

	return e.analyzer.Analyze(ctx, dir)
}

// CompressionRatio is len(zlib(data)) / len(data) at the best compression
// level. Repetitive input scores low. Empty input yields 0.
func CompressionRatio(data []byte) float64 {
	if len(data) == 0 {
		return 0
	}

	var buf bytes.Buffer
	w, err := zlib.NewWriterLevel(&buf, zlib.BestCompression)
	if err != nil {
		return 0
	}
	if _, err := w.Write(data); err != nil {
		return 0
	}
	if err := w.Close(); err != nil {
		return 0
	}
	return float64(buf.Len()) / float64(len(data))
}
