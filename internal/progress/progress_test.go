package progress

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWeightedRollup(t *testing.T) {
	require := require.New(t)
	root := New()
	small := root.AddStep(1, StatusDeviceRestart, "detach")
	big := root.AddStep(9, StatusDeviceWrite, "write")

	small.SetPercentage(100)
	require.Equal(10, root.Percentage())

	big.SetPercentage(50)
	require.Equal(55, root.Percentage())

	big.SetPercentage(100)
	require.Equal(100, root.Percentage())
}

func TestMonotonicPercentage(t *testing.T) {
	require := require.New(t)
	node := New()
	node.SetPercentage(40)
	node.SetPercentage(20) // ignored
	require.Equal(40, node.Percentage())

	node.SetPercentage(400)
	require.Equal(100, node.Percentage())
}

// observers must never see any node go backwards
func TestCallbackSequenceNeverDecreases(t *testing.T) {
	require := require.New(t)
	root := New()
	seen := map[*Progress][]int{}
	root.SetCallback(func(node *Progress) {
		seen[node] = append(seen[node], node.Percentage())
	})
	a := root.AddStep(1, StatusDeviceWrite, "a")
	b := root.AddStep(1, StatusDeviceVerify, "b")

	for pct := 0; pct <= 100; pct += 7 {
		a.SetPercentage(pct)
	}
	a.SetPercentage(100)
	for pct := 0; pct <= 100; pct += 13 {
		b.SetPercentage(pct)
	}
	b.SetPercentage(100)

	for node, history := range seen {
		for i := 1; i < len(history); i++ {
			require.GreaterOrEqual(history[i], history[i-1], "node %q decreased", node.Name())
		}
	}
	require.Equal(100, root.Percentage())
}

func TestFinishedCompletesChildren(t *testing.T) {
	require := require.New(t)
	root := New()
	root.AddStep(1, StatusDeviceWrite, "w")
	root.AddStep(3, StatusDeviceRead, "r")
	root.Finished()
	require.Equal(100, root.Percentage())
	for _, step := range root.Steps() {
		require.Equal(100, step.Percentage())
	}
}

func TestStatusString(t *testing.T) {
	require.Equal(t, "device-write", StatusDeviceWrite.String())
	require.Equal(t, "idle", StatusIdle.String())
}
