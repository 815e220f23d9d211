package errdefs

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExitCode(t *testing.T) {
	require := require.New(t)
	require.Equal(ExitSuccess, ExitCode(nil))
	require.Equal(ExitFailure, ExitCode(fmt.Errorf("boom")))
	require.Equal(ExitNothingToDo, ExitCode(fmt.Errorf("all current: %w", ErrNothingToDo)))
	require.Equal(ExitNotReachable, ExitCode(fmt.Errorf("offline: %w", ErrNotReachable)))
	require.Equal(ExitNotFound, ExitCode(fmt.Errorf("who: %w", ErrNotFound)))
	require.Equal(ExitFailure, ExitCode(ErrSignatureInvalid))
}

func TestKind(t *testing.T) {
	require := require.New(t)
	require.Equal("", Kind(nil))
	require.Equal("timeout", Kind(fmt.Errorf("gave up: %w", ErrTimeout)))
	require.Equal("timeout", Kind(context.DeadlineExceeded))
	require.Equal("write-protected", Kind(ErrWriteProtected))
	require.Equal("internal", Kind(fmt.Errorf("no sentinel here")))
	require.Equal("another-instance-running", Kind(ErrAnotherInstanceRunning))
}
