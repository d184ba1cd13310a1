package monitor

import (
	"context"

	"calwatch/internal/event"
	"calwatch/internal/storage/sqlite"
)

// StateAccess is the scalar state persistence the monitor needs.
type StateAccess interface {
	GetInt64(ctx context.Context, key string, def int64) (int64, error)
	SetInt64(ctx context.Context, key string, value int64) error
	GetBool(ctx context.Context, key string, def bool) (bool, error)
	SetBool(ctx context.Context, key string, value bool) error
}

// ScanState is the persisted scan-window state driving the incremental scan
// algorithm. Loaded at the start of a pass, saved at the end.
type ScanState struct {
	// PrevEventScanTo is where the previous scan window ended.
	PrevEventScanTo int64

	// NextEventFireFromScan is the next alert time the previous scan found,
	// or InfiniteTime when nothing upcoming was known.
	NextEventFireFromScan int64

	// PrevEventFireFromScan is the high-water mark of already-fired alert
	// times. Nothing at or below it may fire again.
	PrevEventFireFromScan int64

	// FirstScanEver suppresses firing on the first scan after install, so
	// a backlog of historical alerts does not arrive as a storm.
	FirstScanEver bool
}

// LoadScanState reads the persisted scan state, applying defaults for a
// fresh database.
func LoadScanState(ctx context.Context, store StateAccess) (*ScanState, error) {
	prevScanTo, err := store.GetInt64(ctx, sqlite.KeyPrevEventScanTo, 0)
	if err != nil {
		return nil, err
	}

	nextFire, err := store.GetInt64(ctx, sqlite.KeyNextEventFireFromScan, event.InfiniteTime)
	if err != nil {
		return nil, err
	}

	prevFire, err := store.GetInt64(ctx, sqlite.KeyPrevEventFireFromScan, 0)
	if err != nil {
		return nil, err
	}

	firstScan, err := store.GetBool(ctx, sqlite.KeyFirstScanEver, true)
	if err != nil {
		return nil, err
	}

	return &ScanState{
		PrevEventScanTo:       prevScanTo,
		NextEventFireFromScan: nextFire,
		PrevEventFireFromScan: prevFire,
		FirstScanEver:         firstScan,
	}, nil
}

// SaveScanState persists the scan state.
func SaveScanState(ctx context.Context, store StateAccess, st *ScanState) error {
	if err := store.SetInt64(ctx, sqlite.KeyPrevEventScanTo, st.PrevEventScanTo); err != nil {
		return err
	}

	if err := store.SetInt64(ctx, sqlite.KeyNextEventFireFromScan, st.NextEventFireFromScan); err != nil {
		return err
	}

	if err := store.SetInt64(ctx, sqlite.KeyPrevEventFireFromScan, st.PrevEventFireFromScan); err != nil {
		return err
	}

	return store.SetBool(ctx, sqlite.KeyFirstScanEver, st.FirstScanEver)
}
