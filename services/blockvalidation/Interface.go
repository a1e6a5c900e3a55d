package blockvalidation

import (
	"context"

	"github.com/chanhsu001/ckb/errors"
	"github.com/chanhsu001/ckb/model"
	"github.com/chanhsu001/ckb/services/chain"
)

// ScriptVerifier executes the lock scripts of a transaction's resolved input
// cells. Implementations plug a script VM in; the pipeline only cares about
// the cycle cost and pass/fail.
type ScriptVerifier interface {
	VerifyScripts(ctx context.Context, tx *model.Transaction, inputs []*chain.CellMeta) (cycles uint64, err error)
}

// LockHashVerifier is the built-in verifier: an input passes when its lock
// hash is non-zero, at a flat cycle cost per input. A real VM replaces this
// through the ScriptVerifier interface.
type LockHashVerifier struct {
	CyclesPerInput uint64
}

func NewLockHashVerifier() *LockHashVerifier {
	return &LockHashVerifier{CyclesPerInput: 500}
}

func (v *LockHashVerifier) VerifyScripts(_ context.Context, tx *model.Transaction, inputs []*chain.CellMeta) (uint64, error) {
	var zero [32]byte

	for i, meta := range inputs {
		if meta == nil {
			continue
		}
		if meta.Output.LockHash == zero {
			return 0, errors.NewScriptFailureError("tx %s input %d has an unspendable lock", tx.Hash(), i)
		}
	}

	return uint64(len(inputs)) * v.CyclesPerInput, nil
}
