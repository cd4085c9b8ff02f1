package linecount

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseSCC(t *testing.T) {
	out := []byte(`[
		{"Name":"Go","Bytes":1200,"Lines":120,"Code":100,"Comment":10,"Blank":10,"Complexity":12,"Count":2,"Files":[]},
		{"Name":"Python","Bytes":300,"Lines":40,"Code":30,"Comment":5,"Blank":5,"Complexity":4,"Count":1,"Files":[]}
	]`)

	stats, err := ParseSCC(out)
	require.NoError(t, err)
	require.Equal(t, LanguageStats{Files: 2, Code: 100, Complexity: 12}, stats["Go"])
	require.Equal(t, LanguageStats{Files: 1, Code: 30, Complexity: 4}, stats["Python"])
}

func TestParseSCCInvalid(t *testing.T) {
	_, err := ParseSCC([]byte("not json"))
	require.Error(t, err)
}

func TestAnalyzeMissingBinary(t *testing.T) {
	_, err := NewSCC("definitely-not-a-real-scc-binary", 0).Analyze(context.Background(), t.TempDir())
	require.Error(t, err)
}
