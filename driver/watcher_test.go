// Copyright (C) 2025, Verwalter authors. All rights reserved.
// See the file LICENSE for licensing terms.

package driver

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tailhook/verwalter/log"
)

func TestWatcherDebouncesBurst(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWatcher(dir, log.NoOp())
	require.NoError(t, err)
	defer w.Close()

	stop := make(chan struct{})
	var fires int32
	done := make(chan struct{})
	go func() {
		w.Run(stop, func() { atomic.AddInt32(&fires, 1) })
		close(done)
	}()

	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "main.lua"), []byte("x"), 0o644))
		time.Sleep(10 * time.Millisecond)
	}

	time.Sleep(DebounceInterval + 100*time.Millisecond)
	close(stop)
	<-done

	require.Equal(t, int32(1), atomic.LoadInt32(&fires))
}
