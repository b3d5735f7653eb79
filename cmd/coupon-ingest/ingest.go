package main

import (
	"bufio"
	"context"
	"encoding/csv"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	pgzip "github.com/klauspost/pgzip"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/kart-fulfillment/internal/domain/apperr"
	"github.com/xenking/kart-fulfillment/internal/domain/coupon"
)

const (
	progressEvery = 10_000
	fileBuffer    = 256
)

// Ledger is the part of the coupon ledger the importer writes through.
type Ledger interface {
	FindByCode(ctx context.Context, code string) (*coupon.Coupon, error)
	Create(ctx context.Context, c *coupon.Coupon) (*coupon.Coupon, error)
}

// Stats counts the outcome of an import.
type Stats struct {
	Read       int
	Created    int
	Duplicates int
	Invalid    int
}

// Importer loads gzipped CSV coupon definitions. The first definition of a
// code wins; later ones and codes that already exist are skipped.
type Importer struct {
	ledger Ledger
	filter *bloom.BloomFilter
	lg     *slog.Logger
}

// NewImporter sizes the seen-codes filter for capacity codes at the given
// false positive rate.
func NewImporter(ledger Ledger, capacity uint, fpr float64, lg *slog.Logger) *Importer {
	return &Importer{
		ledger: ledger,
		filter: bloom.NewWithEstimates(capacity, fpr),
		lg:     lg,
	}
}

type definition struct {
	file string
	line int
	c    *coupon.Coupon
	err  error
}

// Import streams every file concurrently and creates coupons in file order.
func (im *Importer) Import(ctx context.Context, files []string) (Stats, error) {
	g, ctx := errgroup.WithContext(ctx)

	streams := make([]chan definition, len(files))
	for i, path := range files {
		ch := make(chan definition, fileBuffer)
		streams[i] = ch
		g.Go(func() error {
			defer close(ch)
			return streamFile(ctx, path, ch)
		})
	}

	var stats Stats
	g.Go(func() error {
		for _, ch := range streams {
			for def := range ch {
				if err := im.apply(ctx, def, &stats); err != nil {
					return err
				}
			}
		}
		return nil
	})

	err := g.Wait()
	return stats, err
}

func (im *Importer) apply(ctx context.Context, def definition, stats *Stats) error {
	stats.Read++
	if stats.Read%progressEvery == 0 {
		im.lg.Info("import progress", slog.Int("read", stats.Read), slog.Int("created", stats.Created))
	}
	if def.err != nil {
		stats.Invalid++
		im.lg.Warn("skip invalid row", slog.String("file", def.file), slog.Int("line", def.line), slog.String("reason", def.err.Error()))
		return nil
	}

	code := coupon.NormalizeCode(def.c.Code)
	// The filter has no false negatives: a miss is a code this run has not
	// created. A hit is confirmed against storage.
	if im.filter.TestAndAddString(code) {
		_, err := im.ledger.FindByCode(ctx, code)
		switch {
		case err == nil:
			stats.Duplicates++
			return nil
		case !errors.Is(err, coupon.ErrNotFound):
			return errors.Wrapf(err, "look up %s", code)
		}
	}

	if _, err := im.ledger.Create(ctx, def.c); err != nil {
		switch apperr.KindOf(err) {
		case apperr.Conflict:
			stats.Duplicates++
			return nil
		case apperr.InvalidInput:
			stats.Invalid++
			im.lg.Warn("skip invalid coupon", slog.String("file", def.file), slog.Int("line", def.line), slog.String("reason", err.Error()))
			return nil
		}
		return errors.Wrapf(err, "create %s", code)
	}
	stats.Created++
	return nil
}

// streamFile decodes one gzipped CSV file. The first record is the header;
// code, type and value columns are required.
func streamFile(ctx context.Context, path string, out chan<- definition) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "open %s", path)
	}
	defer func() { _ = f.Close() }()

	gz, err := pgzip.NewReader(f)
	if err != nil {
		return errors.Wrapf(err, "create gzip reader for %s", path)
	}
	defer func() { _ = gz.Close() }()

	r := csv.NewReader(bufio.NewReader(gz))
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if err != nil {
		return errors.Wrapf(err, "read header of %s", path)
	}
	cols, err := columnIndex(header)
	if err != nil {
		return errors.Wrap(err, path)
	}

	for line := 2; ; line++ {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		def := definition{file: path, line: line}
		if err != nil {
			var perr *csv.ParseError
			if !errors.As(err, &perr) {
				return errors.Wrapf(err, "read %s", path)
			}
			def.err = err
		} else {
			def.c, def.err = cols.decode(rec)
		}

		select {
		case out <- def:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

type columns map[string]int

var requiredColumns = []string{"code", "type", "value"}

func columnIndex(header []string) (columns, error) {
	cols := make(columns, len(header))
	for i, h := range header {
		cols[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, name := range requiredColumns {
		if _, ok := cols[name]; !ok {
			return nil, errors.Errorf("missing %q column", name)
		}
	}
	return cols, nil
}

func (cols columns) get(rec []string, name string) string {
	i, ok := cols[name]
	if !ok || i >= len(rec) {
		return ""
	}
	return strings.TrimSpace(rec[i])
}

func (cols columns) decode(rec []string) (*coupon.Coupon, error) {
	typ, err := coupon.ParseType(cols.get(rec, "type"))
	if err != nil {
		return nil, err
	}
	c := &coupon.Coupon{
		Code:        cols.get(rec, "code"),
		Name:        cols.get(rec, "name"),
		Description: cols.get(rec, "description"),
		Type:        typ,
	}
	if c.Value, err = parseDecimal(cols.get(rec, "value"), "value"); err != nil {
		return nil, err
	}
	if c.MinimumPurchase, err = optDecimal(cols.get(rec, "minimum_purchase"), "minimum_purchase"); err != nil {
		return nil, err
	}
	if c.MaximumDiscount, err = optDecimal(cols.get(rec, "maximum_discount"), "maximum_discount"); err != nil {
		return nil, err
	}
	if c.UsageLimit, err = optInt(cols.get(rec, "usage_limit"), "usage_limit"); err != nil {
		return nil, err
	}
	if c.UsageLimitPerUser, err = optInt(cols.get(rec, "usage_limit_per_user"), "usage_limit_per_user"); err != nil {
		return nil, err
	}
	if c.ValidFrom, err = optTime(cols.get(rec, "valid_from"), "valid_from"); err != nil {
		return nil, err
	}
	if c.ValidUntil, err = optTime(cols.get(rec, "valid_until"), "valid_until"); err != nil {
		return nil, err
	}
	if v := cols.get(rec, "single_use"); v != "" {
		if c.SingleUse, err = strconv.ParseBool(v); err != nil {
			return nil, errors.Wrap(err, "single_use")
		}
	}
	return c, nil
}

func parseDecimal(s, field string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, errors.Wrap(err, field)
	}
	return d, nil
}

func optDecimal(s, field string) (*decimal.Decimal, error) {
	if s == "" {
		return nil, nil
	}
	d, err := parseDecimal(s, field)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func optInt(s, field string) (*int, error) {
	if s == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return nil, errors.Wrap(err, field)
	}
	return &n, nil
}

func optTime(s, field string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, errors.Wrap(err, field)
	}
	return &t, nil
}
