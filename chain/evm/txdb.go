// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package evm

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"crossdex.org/crossdex/chain"
	"crossdex.org/crossdex/gw"
	"github.com/dgraph-io/badger"
	"github.com/ethereum/go-ethereum/common"
)

var (
	// recordPrefix keys a transaction hash to its stored submission.
	recordPrefix = []byte("rec")
	// seqPrefix keys a monotonic sequence number to a transaction hash,
	// giving submission order for paginated listing.
	seqPrefix = []byte("seq")
	// seqCounterKey holds the badger sequence lease. It must not share a
	// prefix with seqPrefix or the listing iterator would pick it up.
	seqCounterKey = []byte("ctr")
)

func recordKey(txHash common.Hash) []byte {
	return append(recordPrefix, txHash[:]...)
}

func seqKey(seq uint64) []byte {
	key := make([]byte, len(seqPrefix)+8)
	copy(key, seqPrefix)
	binary.BigEndian.PutUint64(key[len(seqPrefix):], seq)
	return key
}

// storedSubmission is the stored form of a submission: the record plus the
// signed payload, kept so re-broadcasts survive restarts with the exact
// original bytes.
type storedSubmission struct {
	Record *chain.SubmissionRecord `json:"record"`
	Raw    gw.Bytes                `json:"raw,omitempty"`
	Seq    uint64                  `json:"seq"`
}

// badgerLoggerWrapper wraps gw.Logger and translates Warnf to Warningf to
// satisfy badger.Logger.
type badgerLoggerWrapper struct {
	gw.Logger
}

var _ badger.Logger = (*badgerLoggerWrapper)(nil)

// Warningf -> gw.Logger.Warnf
func (log *badgerLoggerWrapper) Warningf(s string, a ...interface{}) {
	log.Warnf(s, a...)
}

// txDB is the durable store of submission records for one network.
type txDB struct {
	*badger.DB
	log gw.Logger
	seq *badger.Sequence
}

func newTxDB(filePath string, log gw.Logger) (*txDB, error) {
	opts := badger.DefaultOptions(filePath).WithLogger(&badgerLoggerWrapper{log})
	db, err := badger.Open(opts)
	if err == badger.ErrTruncateNeeded {
		// Probably a Windows thing.
		// https://github.com/dgraph-io/badger/issues/744
		log.Warnf("error opening badger db: %v", err)
		// Try again with value log truncation enabled.
		opts.Truncate = true
		log.Warnf("Attempting to reopen badger DB with the Truncate option set...")
		db, err = badger.Open(opts)
	}
	if err != nil {
		return nil, err
	}
	seq, err := db.GetSequence(seqCounterKey, 100)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("error opening sequence: %w", err)
	}
	return &txDB{DB: db, log: log, seq: seq}, nil
}

func (s *txDB) close() error {
	if err := s.seq.Release(); err != nil {
		s.log.Errorf("error releasing sequence: %v", err)
	}
	return s.Close()
}

// run periodically garbage-collects the value log until the context is
// canceled.
func (s *txDB) run(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			err := s.RunValueLogGC(0.5)
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				s.log.Errorf("garbage collection error: %v", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// storeRecord persists the submission record. The signed payload raw is
// stored on first write; later writes with nil raw keep the stored payload.
func (s *txDB) storeRecord(rec *chain.SubmissionRecord, raw []byte) error {
	return s.Update(func(txn *badger.Txn) error {
		key := recordKey(rec.TxHash)
		stored := &storedSubmission{Record: rec, Raw: raw}
		switch item, err := txn.Get(key); {
		case err == nil:
			var prev storedSubmission
			if err := item.Value(func(b []byte) error {
				return json.Unmarshal(b, &prev)
			}); err != nil {
				return err
			}
			stored.Seq = prev.Seq
			if raw == nil {
				stored.Raw = prev.Raw
			}
		case errors.Is(err, badger.ErrKeyNotFound):
			seq, err := s.seq.Next()
			if err != nil {
				return fmt.Errorf("error allocating sequence number: %w", err)
			}
			stored.Seq = seq
			if err := txn.Set(seqKey(seq), rec.TxHash[:]); err != nil {
				return err
			}
		default:
			return err
		}
		b, err := json.Marshal(stored)
		if err != nil {
			return err
		}
		return txn.Set(key, b)
	})
}

// record fetches one submission and its signed payload by hash.
func (s *txDB) record(txHash common.Hash) (*chain.SubmissionRecord, []byte, error) {
	var stored storedSubmission
	err := s.View(func(txn *badger.Txn) error {
		item, err := txn.Get(recordKey(txHash))
		if err != nil {
			return err
		}
		return item.Value(func(b []byte) error {
			return json.Unmarshal(b, &stored)
		})
	})
	if err != nil {
		return nil, nil, err
	}
	return stored.Record, stored.Raw, nil
}

// getRecords returns up to n records, most recent first. If refID is
// non-nil, the listing starts with the submission right after the referenced
// one; an unknown reference is an error.
func (s *txDB) getRecords(n int, refID *common.Hash) ([]*chain.SubmissionRecord, error) {
	var startSeq = uint64(1<<64 - 1)
	if refID != nil {
		var stored storedSubmission
		err := s.View(func(txn *badger.Txn) error {
			item, err := txn.Get(recordKey(*refID))
			if err != nil {
				return err
			}
			return item.Value(func(b []byte) error {
				return json.Unmarshal(b, &stored)
			})
		})
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, fmt.Errorf("reference transaction %s not found", refID)
		}
		if err != nil {
			return nil, err
		}
		if stored.Seq == 0 {
			return nil, nil
		}
		startSeq = stored.Seq - 1
	}

	records := make([]*chain.SubmissionRecord, 0, n)
	err := s.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = seqPrefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(seqKey(startSeq)); it.Valid() && len(records) < n; it.Next() {
			if len(it.Item().Key()) != len(seqPrefix)+8 {
				// Not a sequence mapping.
				continue
			}
			var txHash common.Hash
			if err := it.Item().Value(func(b []byte) error {
				copy(txHash[:], b)
				return nil
			}); err != nil {
				return err
			}
			item, err := txn.Get(recordKey(txHash))
			if err != nil {
				return err
			}
			var stored storedSubmission
			if err := item.Value(func(b []byte) error {
				return json.Unmarshal(b, &stored)
			}); err != nil {
				return err
			}
			records = append(records, stored.Record)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// pendingRecords returns every stored submission that has not reached a
// terminal status, with its signed payload, for resuming confirmation after
// a restart.
func (s *txDB) pendingRecords() (recs []*chain.SubmissionRecord, raws [][]byte, err error) {
	err = s.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = recordPrefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var stored storedSubmission
			if err := it.Item().Value(func(b []byte) error {
				return json.Unmarshal(b, &stored)
			}); err != nil {
				return err
			}
			if !stored.Record.Status.Terminal() {
				recs = append(recs, stored.Record)
				raws = append(raws, stored.Raw)
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return recs, raws, nil
}
