package dispatch

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGroupExecutor_Full(t *testing.T) {
	exec := NewGroupExecutor(1)
	defer exec.Wait()

	done := make(chan struct{})
	var ranInline bool
	exec.Execute(func() {
		defer close(done)
		nested := make(chan struct{})
		// The only goroutine of exec runs this task: the nested one runs here.
		exec.Execute(func() {
			ranInline = true
			close(nested)
		})
		<-nested
	})
	<-done
	require.True(t, ranInline)
}

func TestGroupExecutor_Unlimited(t *testing.T) {
	exec := NewGroupExecutor(-1)

	const n = 8
	started := make(chan struct{}, n)
	release := make(chan struct{})
	for i := 0; i < n; i++ {
		exec.Execute(func() {
			started <- struct{}{}
			<-release
		})
	}
	for i := 0; i < n; i++ {
		<-started
	}
	close(release)
	exec.Wait()
}
