package eventlog

import (
	"context"
	"errors"

	"github.com/covenantlabs/covenant/pkg/crypto"
	"github.com/covenantlabs/covenant/pkg/event"
	"github.com/covenantlabs/covenant/pkg/hashchain"
)

const verifyPageSize = 512

// RangeFetcher returns events with sequence in [from, to], ordered.
type RangeFetcher func(ctx context.Context, from, to uint64) ([]*event.Event, error)

// VerifyRange walks [from, to] in pages, checking hash linkage, recomputed
// digests, and signatures when a verifier key is configured. Shared by the
// in-memory and SQL-backed logs.
func VerifyRange(ctx context.Context, fetch RangeFetcher, last, from, to uint64, verifierKey string) (*IntegrityReport, error) {
	if last == 0 {
		return &IntegrityReport{Valid: true}, nil
	}
	if from == 0 {
		from = 1
	}
	if to == 0 || to > last {
		to = last
	}
	report := &IntegrityReport{Valid: true, CheckedFrom: from, CheckedTo: to}
	if from > to {
		return report, nil
	}

	anchor := ""
	if from > 1 {
		prev, err := fetch(ctx, from-1, from-1)
		if err != nil {
			return nil, err
		}
		if len(prev) != 1 {
			return nil, ErrNotFound
		}
		anchor = prev[0].Hash
	}

	for lo := from; lo <= to; lo += verifyPageSize {
		hi := lo + verifyPageSize - 1
		if hi > to {
			hi = to
		}
		page, err := fetch(ctx, lo, hi)
		if err != nil {
			return nil, err
		}
		if err := hashchain.VerifyChainFrom(anchor, page); err != nil {
			var be *hashchain.BreakError
			if errors.As(err, &be) {
				report.Valid = false
				report.BrokenAt = be.Sequence
				report.Reason = be.Reason
				return report, nil
			}
			return nil, err
		}
		if verifierKey != "" {
			for _, e := range page {
				if e.Signature == "" {
					continue
				}
				ok, err := crypto.Verify(verifierKey, e.Signature, []byte(e.Hash))
				if err != nil {
					return nil, err
				}
				if !ok {
					report.Valid = false
					report.BrokenAt = e.Sequence
					report.Reason = "signature does not verify against configured key"
					return report, nil
				}
			}
		}
		if len(page) > 0 {
			anchor = page[len(page)-1].Hash
		}
	}
	return report, nil
}
