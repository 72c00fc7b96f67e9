package catalog

import (
	"context"
	"database/sql"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
)

// TIC8Columns are the photometric columns copied from the TIC v8 table.
var TIC8Columns = []string{
	"GAIAmag", "e_GAIAmag", "Bmag", "e_Bmag", "Vmag", "e_Vmag",
	"umag", "e_umag", "gmag", "e_gmag", "rmag", "e_rmag",
	"imag", "e_imag", "zmag", "e_zmag", "Jmag", "e_Jmag",
	"Hmag", "e_Hmag", "Kmag", "e_Kmag",
}

// DefaultTIC8Table is the table queried by gaia_id.
const DefaultTIC8Table = "tic8"

// CrossmatchStats counts the outcome of a crossmatch run.
type CrossmatchStats struct {
	Rows      int `json:"rows"`
	Matched   int `json:"matched"`
	Unmatched int `json:"unmatched"`
}

// Crossmatcher looks up Gaia source IDs in a TIC v8 table.
type Crossmatcher struct {
	db    *sql.DB
	query string
	log   *slog.Logger
}

// NewCrossmatcher prepares lookups against table in db.
func NewCrossmatcher(db *sql.DB, table string, log *slog.Logger) (*Crossmatcher, error) {
	if db == nil {
		return nil, errors.New("catalog: nil TIC8 database")
	}
	if table == "" {
		table = DefaultTIC8Table
	}
	if strings.ContainsAny(table, " ;'\"") {
		return nil, fmt.Errorf("catalog: invalid table name %q", table)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Crossmatcher{
		db:    db,
		query: fmt.Sprintf("SELECT %s FROM %s WHERE gaia_id = ? LIMIT 1", strings.Join(TIC8Columns, ","), table),
		log:   log,
	}, nil
}

// Lookup returns the TIC8 magnitudes for gaiaID. ok is false when the
// source is not in the table. NULL columns come back invalid.
func (c *Crossmatcher) Lookup(ctx context.Context, gaiaID string) ([]sql.NullFloat64, bool, error) {
	vals := make([]sql.NullFloat64, len(TIC8Columns))
	dest := make([]any, len(vals))
	for i := range vals {
		dest[i] = &vals[i]
	}
	err := c.db.QueryRowContext(ctx, c.query, gaiaID).Scan(dest...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("lookup %s: %w", gaiaID, err)
	}
	return vals, true, nil
}

// Run appends the TIC8 columns to every row of t and writes CSV to w.
// limit > 0 stops after that many rows. Unmatched rows get empty cells.
func (c *Crossmatcher) Run(ctx context.Context, t *Table, w io.Writer, limit int) (CrossmatchStats, error) {
	var stats CrossmatchStats
	idCol := t.Column(ColSourceID)
	if idCol < 0 {
		return stats, fmt.Errorf("%w: %s", ErrMissingColumn, ColSourceID)
	}

	cw := csv.NewWriter(w)
	header := append(append([]string{}, t.Header...), TIC8Columns...)
	if err := cw.Write(header); err != nil {
		return stats, err
	}

	for _, row := range t.Rows {
		if limit > 0 && stats.Rows >= limit {
			break
		}
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		stats.Rows++

		out := append(append([]string{}, row...), make([]string, len(TIC8Columns))...)
		vals, ok, err := c.Lookup(ctx, row[idCol])
		if err != nil {
			return stats, err
		}
		if ok {
			stats.Matched++
			for i, v := range vals {
				if v.Valid {
					out[len(row)+i] = strconv.FormatFloat(v.Float64, 'g', -1, 64)
				}
			}
		} else {
			stats.Unmatched++
			c.log.Debug("no TIC8 match", "source_id", row[idCol])
		}
		if err := cw.Write(out); err != nil {
			return stats, err
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return stats, err
	}
	c.log.Info("crossmatch complete", "rows", stats.Rows, "matched", stats.Matched, "unmatched", stats.Unmatched)
	return stats, nil
}
