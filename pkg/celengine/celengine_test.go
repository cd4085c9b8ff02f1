package celengine

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEvaluate(t *testing.T) {
	attrs := map[string]interface{}{
		"tokens":            int64(1200),
		"compression_ratio": 0.42,
		"languages":         []interface{}{"Go", "SQL"},
	}

	env, err := GetOrBuildEnv(attrs)
	require.NoError(t, err)

	ok, err := Evaluate(env, `tokens > 1000 && compression_ratio < 0.5`, attrs)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = Evaluate(env, `"Rust" in languages`, attrs)
	require.NoError(t, err)
	require.False(t, ok)

	_, err = Evaluate(env, `tokens + 1`, attrs)
	require.Error(t, err)
}

func TestValidateExpression(t *testing.T) {
	env, err := GetOrBuildEnv(map[string]interface{}{"tokens": int64(1)})
	require.NoError(t, err)

	require.NoError(t, ValidateExpression(env, `tokens > 5`))
	require.Error(t, ValidateExpression(env, `tokens +`))
	require.Error(t, ValidateExpression(env, `tokens + 1`))
}

func TestStructToMap(t *testing.T) {
	m := StructToMap(struct {
		Name string `json:"name"`
	}{Name: "x"})
	require.Equal(t, "x", m["name"])
	require.Empty(t, StructToMap(nil))
}
