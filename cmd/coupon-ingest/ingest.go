package main

import (
	"bufio"
	"context"
	"io"
	"math/bits"
	"os"
	"path/filepath"
	"slices"
	"sync/atomic"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/klauspost/pgzip"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/storefront/internal/domain/coupon"
	"github.com/xenking/storefront/internal/wire"
)

const (
	defaultBatchSize = 500
	bloomCapacity    = 1_000_000
	bloomFPR         = 0.001
	maxFiles         = bits.UintSize
	maxLineBytes     = 1 << 20
	progressEvery    = 100_000
)

// store is the slice of the coupon repository the ingester writes through.
type store interface {
	Upsert(ctx context.Context, c *coupon.Coupon) error
	ExistingCodes(ctx context.Context, codes []string) ([]string, error)
}

type txRunner interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// ingester imports coupons in three passes over the input files: a bloom
// filter per file, an exact cross-file duplicate check of the bloom
// positives, and finally decoding and upserting the unambiguous coupons.
// A nil store means dry run.
type ingester struct {
	lg           *zap.Logger
	store        store
	tx           txRunner
	batchSize    int
	skipExisting bool
}

// Report summarises an ingest run.
type Report struct {
	Lines      int64
	Invalid    int64
	Skipped    int64
	Written    int64
	Duplicates []string
}

func listFiles(dir string) ([]string, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*.jsonl.gz"))
	if err != nil {
		return nil, errors.Wrap(err, "list input files")
	}
	if len(files) > maxFiles {
		return nil, errors.Errorf("%d input files, at most %d supported", len(files), maxFiles)
	}
	slices.Sort(files)
	return files, nil
}

// Run imports files and reports what happened.
func (in *ingester) Run(ctx context.Context, files []string) (*Report, error) {
	if in.batchSize <= 0 {
		in.batchSize = defaultBatchSize
	}
	filters, err := in.buildFilters(ctx, files)
	if err != nil {
		return nil, errors.Wrap(err, "build bloom filters")
	}
	duplicates, err := in.findDuplicates(ctx, files, filters)
	if err != nil {
		return nil, errors.Wrap(err, "find duplicates")
	}
	for _, code := range duplicates {
		in.lg.Warn("Code present in several files, skipped", zap.String("code", code))
	}

	report := &Report{Duplicates: duplicates}
	skip := make(map[string]struct{}, len(duplicates))
	for _, code := range duplicates {
		skip[code] = struct{}{}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, path := range files {
		g.Go(func() error {
			return in.load(gctx, path, skip, report)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, errors.Wrap(err, "load coupons")
	}
	return report, nil
}

// buildFilters adds every code of file i to filters[i].
func (in *ingester) buildFilters(ctx context.Context, files []string) ([]*bloom.BloomFilter, error) {
	filters := make([]*bloom.BloomFilter, len(files))

	g, ctx := errgroup.WithContext(ctx)
	for i, path := range files {
		g.Go(func() error {
			filter := bloom.NewWithEstimates(bloomCapacity, bloomFPR)
			var n int64
			err := streamLines(ctx, path, func(line []byte) error {
				code, err := wire.PeekCode(line)
				if err != nil {
					return nil // counted as invalid when loading
				}
				filter.AddString(coupon.NormalizeCode(code))
				if n++; n%progressEvery == 0 {
					in.lg.Info("Indexing", zap.String("file", path), zap.Int64("codes", n))
				}
				return nil
			})
			if err != nil {
				return err
			}
			filters[i] = filter
			in.lg.Info("Indexed file", zap.String("file", path), zap.Int64("codes", n))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return filters, nil
}

// findDuplicates confirms bloom positives exactly: a code is a duplicate only
// if at least two files actually contain it.
func (in *ingester) findDuplicates(ctx context.Context, files []string, filters []*bloom.BloomFilter) ([]string, error) {
	candidates := make([]map[string]struct{}, len(files))

	g, ctx := errgroup.WithContext(ctx)
	for i, path := range files {
		g.Go(func() error {
			found := make(map[string]struct{})
			err := streamLines(ctx, path, func(line []byte) error {
				code, err := wire.PeekCode(line)
				if err != nil {
					return nil
				}
				code = coupon.NormalizeCode(code)
				for j, f := range filters {
					if j != i && f.TestString(code) {
						found[code] = struct{}{}
						break
					}
				}
				return nil
			})
			candidates[i] = found
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	seenIn := make(map[string]uint)
	for i, found := range candidates {
		for code := range found {
			seenIn[code] |= 1 << uint(i)
		}
	}
	var duplicates []string
	for code, mask := range seenIn {
		if bits.OnesCount(mask) > 1 {
			duplicates = append(duplicates, code)
		}
	}
	slices.Sort(duplicates)
	return duplicates, nil
}

// load decodes, validates and upserts the coupons of one file in batches.
func (in *ingester) load(ctx context.Context, path string, skip map[string]struct{}, report *Report) error {
	batch := make([]*coupon.Coupon, 0, in.batchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		written, skipped, err := in.write(ctx, batch)
		atomic.AddInt64(&report.Written, written)
		atomic.AddInt64(&report.Skipped, skipped)
		batch = batch[:0]
		return err
	}

	var line int64
	err := streamLines(ctx, path, func(data []byte) error {
		line++
		atomic.AddInt64(&report.Lines, 1)

		c, err := wire.DecodeCoupon(jx.DecodeBytes(data))
		if err == nil {
			if c.Status == "" {
				c.Status = coupon.StatusActive
			}
			err = coupon.Normalize(c)
		}
		if err != nil {
			atomic.AddInt64(&report.Invalid, 1)
			in.lg.Warn("Invalid coupon line", zap.String("file", path), zap.Int64("line", line), zap.Error(err))
			return nil
		}
		if _, dup := skip[c.Code]; dup {
			return nil
		}

		batch = append(batch, c)
		if len(batch) >= in.batchSize {
			return flush()
		}
		return nil
	})
	if err != nil {
		return err
	}
	return flush()
}

// write upserts batch in one transaction and returns how many coupons were
// written and how many were left alone because they already existed.
func (in *ingester) write(ctx context.Context, batch []*coupon.Coupon) (written, skipped int64, err error) {
	if in.store == nil {
		return int64(len(batch)), 0, nil
	}
	err = in.tx.InTx(ctx, func(ctx context.Context) error {
		written, skipped = 0, 0
		existing := map[string]struct{}{}
		if in.skipExisting {
			codes := make([]string, len(batch))
			for i, c := range batch {
				codes[i] = c.Code
			}
			found, err := in.store.ExistingCodes(ctx, codes)
			if err != nil {
				return err
			}
			for _, code := range found {
				existing[code] = struct{}{}
			}
		}
		for _, c := range batch {
			if _, ok := existing[c.Code]; ok {
				skipped++
				continue
			}
			if err := in.store.Upsert(ctx, c); err != nil {
				return err
			}
			written++
		}
		return nil
	})
	if err != nil {
		return 0, 0, errors.Wrap(err, "write batch")
	}
	return written, skipped, nil
}

// streamLines calls fn for every non-empty line of a gzip file.
func streamLines(ctx context.Context, path string, fn func(line []byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "open %s", path)
	}
	defer func() { _ = f.Close() }()

	gz, err := pgzip.NewReader(f)
	if err != nil {
		return errors.Wrapf(err, "gzip reader for %s", path)
	}
	defer func() { _ = gz.Close() }()

	return scanLines(ctx, gz, fn)
}

func scanLines(ctx context.Context, r io.Reader, fn func(line []byte) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if err := fn(line); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return errors.Wrap(err, "scan")
	}
	return nil
}
