package threader

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/uatarchive/uat/connectivity"
)

func TestKillRe(t *testing.T) {
	reList := defaultReList
	require.Equal(t, "hello", killRe("Re: hello", reList))
	require.Equal(t, "hello", killRe("Re: Re[2]: hello", reList))
	require.Equal(t, "hello", killRe("  Re: hello", reList))
	require.Equal(t, "hello", killRe("hello", reList))
}

func TestIsWroteLine(t *testing.T) {
	require.True(t, isWroteLine("On Tuesday, Alice wrote:"))
	require.True(t, isWroteLine("Dnia wczoraj Bob napisał:"))
	require.False(t, isWroteLine("just some quoted text"))
}

func TestComputeRoots(t *testing.T) {
	records := []connectivity.Record{
		{Parent: -1, Children: []uint32{1, 2}},
		{Parent: 0, Children: []uint32{3}},
		{Parent: 0},
		{Parent: 1},
	}
	roots := computeRoots(records)
	require.Equal(t, []uint32{0, 0, 0, 0}, roots)
}

func TestRunReattachesOnSureMatch(t *testing.T) {
	// Two separate threads: 0 (root) -> nothing; 1 (root) -> 2 (child).
	// Message 3 is an orphan toplevel message whose body content best
	// matches message 2, and whose subject agrees with thread 1 once the
	// "Re:" prefix is stripped.
	records := []connectivity.Record{
		{Parent: -1},
		{Parent: -1, Children: []uint32{2}, ChildTotal: 1},
		{Parent: 1},
		{Parent: -1},
	}
	toplevel := []uint32{0, 1, 3}

	text := func(i uint32) (string, error) {
		if i == 3 {
			return "Subject: Re: gophers\n\n> gopher garden words\n", nil
		}
		return "", nil
	}
	subject := func(i uint32) (string, error) {
		if i == 1 || i == 2 {
			return "gophers", nil
		}
		return "Re: gophers", nil
	}
	search := func(words []string) (map[uint32]float64, error) {
		return map[uint32]float64{2: 1.0}, nil
	}

	result, newToplevel, err := Run(Options{}, records, toplevel, text, subject, nil, search)
	require.NoError(t, err)
	require.Equal(t, 1, result.Sure)
	require.Equal(t, 0, result.Bad)
	require.Equal(t, 2, result.NewThreads)

	require.Equal(t, int32(2), records[3].Parent)
	require.Contains(t, records[2].Children, uint32(3))
	require.NotContains(t, newToplevel, uint32(3))
	require.Contains(t, newToplevel, uint32(0))
	require.Contains(t, newToplevel, uint32(1))
}

func TestRunLeavesBadMatchUnattached(t *testing.T) {
	records := []connectivity.Record{
		{Parent: -1},
		{Parent: -1},
	}
	toplevel := []uint32{0, 1}

	text := func(i uint32) (string, error) {
		if i == 1 {
			return "Subject: unrelated\n\n> some words here\n", nil
		}
		return "", nil
	}
	subjectFn := func(i uint32) (string, error) {
		if i == 0 {
			return "original subject", nil
		}
		return "totally different", nil
	}
	search := func(words []string) (map[uint32]float64, error) {
		return map[uint32]float64{0: 1.0}, nil
	}

	result, newToplevel, err := Run(Options{}, records, toplevel, text, subjectFn, nil, search)
	require.NoError(t, err)
	require.Equal(t, 1, result.Bad)
	require.Equal(t, 1, result.NewThreads)
	require.Len(t, newToplevel, 2)
}
