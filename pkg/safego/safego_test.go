package safego

import (
	"sync"
	"testing"

	"go.uber.org/zap"
)

func TestGo_RecoversPanic(t *testing.T) {
	logger := zap.NewNop()

	var wg sync.WaitGroup
	wg.Add(1)
	Go(logger, "panicky", func() {
		defer wg.Done()
		panic("boom")
	})
	wg.Wait()
}

func TestGo_RunsFunction(t *testing.T) {
	logger := zap.NewNop()

	done := make(chan struct{})
	Go(logger, "normal", func() {
		close(done)
	})
	<-done
}
