package ledger_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/richardliu001/coinledger/internal/ledger"
	"github.com/richardliu001/coinledger/internal/testutil"
)

// Opposite-direction transfers on real row locks: lock ordering must keep
// them deadlock-free and the total must not move.
func TestPostgres_ConcurrentTransfers(t *testing.T) {
	f := setupOn(t, testutil.SetupPostgres(t, 8), map[string]string{alice: "500", bob: "500"})
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 64)
	for i := range 64 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := p2p(alice, bob, "7.25")
			if i%2 == 1 {
				req = p2p(bob, alice, "7.25")
			}
			if _, err := f.ledger.Execute(ctx, req); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	total := f.balance(t, alice).Add(f.balance(t, bob))
	assert.True(t, total.Equal(dec("1000")), "total was %s", total)
	assert.True(t, f.balance(t, alice).Equal(dec("500")), "32 each way nets out")

	page, err := f.ledger.History(ctx, alice, ledger.FilterPassed, 1, 10)
	require.NoError(t, err)
	assert.EqualValues(t, 64, page.Total)
	assert.Equal(t, 7, page.TotalPages)
}
