package health

import (
	"bytes"
	"context"
	"strconv"
	"time"

	cerrors "github.com/restopos/datacache/pkg/errors"
	"github.com/restopos/datacache/pkg/types"
)

// StorageProbe writes, reads back and deletes a sentinel under key. key
// must sit outside the cache prefix so probes never show up in listings.
func StorageProbe(store types.Storage, key string) Probe {
	return func(ctx context.Context) error {
		value := []byte(strconv.FormatInt(time.Now().UnixNano(), 10))

		if err := store.Write(ctx, key, value); err != nil {
			return probeError(err, cerrors.ErrCodeStorageWrite, "probe write failed")
		}

		got, found, err := store.Read(ctx, key)
		if err != nil {
			return probeError(err, cerrors.ErrCodeStorageRead, "probe read failed")
		}
		if !found || !bytes.Equal(got, value) {
			return cerrors.NewError(cerrors.ErrCodeStorageRead, "probe read returned stale data").
				WithComponent("health").
				WithContext("key", key)
		}

		if err := store.Delete(ctx, key); err != nil {
			return probeError(err, cerrors.ErrCodeStorageWrite, "probe delete failed")
		}
		return nil
	}
}

// probeError keeps the storage code when there is one
func probeError(err error, code cerrors.ErrorCode, message string) error {
	if _, ok := cerrors.CodeOf(err); ok {
		return err
	}
	return cerrors.Wrap(err, code, message).WithComponent("health")
}
