package auditmeta

import (
	"context"

	"github.com/google/uuid"

	"github.com/dreamware/torua-audit/internal/storage"
)

// The mutation-rights lock shared with every other distribution metadata
// writer. Owner names the orchestrator holding it; Write changes on every
// locked write so a writer holding a stale view is detected.
const (
	lockOwnerKey = "\xff/moveKeysLock/Owner"
	lockWriteKey = "\xff/moveKeysLock/Write"
)

// LockToken proves the right to mutate audit metadata. PrevOwner and
// PrevWrite are the lock values observed when the token was taken; MyOwner
// is the orchestrator presenting it.
type LockToken struct {
	PrevOwner string `json:"prev_owner"`
	PrevWrite string `json:"prev_write"`
	MyOwner   string `json:"my_owner"`
}

// TakeLock reads the current lock holder and returns a token that lets
// owner take over the lock on its first locked write.
func TakeLock(ctx context.Context, db storage.DB, owner string) (LockToken, error) {
	token := LockToken{MyOwner: owner}
	err := storage.Run(ctx, db, func(tx storage.Txn) error {
		prevOwner, _, err := tx.Get(ctx, lockOwnerKey)
		if err != nil {
			return err
		}
		prevWrite, _, err := tx.Get(ctx, lockWriteKey)
		if err != nil {
			return err
		}
		token.PrevOwner = string(prevOwner)
		token.PrevWrite = string(prevWrite)
		return nil
	})
	return token, err
}

// checkLock validates the token inside tx. With isWrite set it also takes
// the lock (first use) or bumps the write marker, so concurrent locked
// writers conflict with each other.
func checkLock(ctx context.Context, tx storage.Txn, lock LockToken, isWrite bool) error {
	owner, _, err := tx.Get(ctx, lockOwnerKey)
	if err != nil {
		return err
	}

	switch string(owner) {
	case lock.PrevOwner:
		write, _, err := tx.Get(ctx, lockWriteKey)
		if err != nil {
			return err
		}
		if string(write) != lock.PrevWrite {
			return ErrLockConflict
		}
		if isWrite {
			if err := tx.Set(lockOwnerKey, []byte(lock.MyOwner)); err != nil {
				return err
			}
			return tx.Set(lockWriteKey, []byte(uuid.NewString()))
		}
		return nil
	case lock.MyOwner:
		if isWrite {
			return tx.Set(lockWriteKey, []byte(uuid.NewString()))
		}
		return nil
	default:
		return ErrLockConflict
	}
}
