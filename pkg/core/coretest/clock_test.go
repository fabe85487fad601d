package coretest_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gradkit/coedit/pkg/core/coretest"
)

func TestClock_AdvanceFiresDueTickers(t *testing.T) {
	clock := coretest.NewClock(coretest.Epoch)
	tk := clock.NewTicker(time.Minute)
	defer tk.Stop()

	clock.Advance(59 * time.Second)
	select {
	case <-tk.C():
		t.Fatal("ticker fired early")
	default:
	}

	clock.Advance(time.Second)
	select {
	case at := <-tk.C():
		assert.Equal(t, coretest.Epoch.Add(time.Minute), at)
	default:
		t.Fatal("ticker did not fire")
	}
}

func TestClock_SlowReceiverDropsTicks(t *testing.T) {
	clock := coretest.NewClock(coretest.Epoch)
	tk := clock.NewTicker(time.Second)

	clock.Advance(10 * time.Second)
	<-tk.C()
	select {
	case <-tk.C():
		t.Fatal("expected missed ticks to be dropped")
	default:
	}

	tk.Stop()
	require.Equal(t, 0, clock.Tickers())
}
