package history

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetVPrependsChain(t *testing.T) {
	s := New()
	s.SetV("k", "v1")
	s.SetV("k", "v2")
	s.SetV("k", "v3")

	require.Equal(t, []string{"v3", "v2", "v1"}, s.History("k"))
}

func TestHistoryOnUnknownKeyIsEmpty(t *testing.T) {
	s := New()
	require.Empty(t, s.History("missing"))
}

func TestFlushAllClearsEveryChain(t *testing.T) {
	s := New()
	s.SetV("a", "1")
	s.SetV("b", "2")

	s.FlushAll()

	require.Empty(t, s.History("a"))
	require.Empty(t, s.History("b"))
}

func TestChainsAreDisjointPerKey(t *testing.T) {
	s := New()
	s.SetV("a", "1")
	s.SetV("b", "2")

	require.Equal(t, []string{"1"}, s.History("a"))
	require.Equal(t, []string{"2"}, s.History("b"))
}
