// Package source implements atc.Source against the data warehouse.
package source

import (
	"fmt"
	"io"

	"receiving-atc/atc"
	"receiving-atc/logx"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// New builds the configured source. The closer releases any connection pool.
func New(cfg *atc.Config, log logx.Logger) (atc.Source, io.Closer, error) {
	switch cfg.Source.Driver {
	case "", "bq":
		bq := cfg.Source.BQ
		bq.LastQueryFile = cfg.Path(bq.LastQueryFile)
		return NewBigQuery(bq, log.With(logx.String("source", "bq"))), nopCloser{}, nil
	case "postgres":
		p, err := OpenPostgres(cfg.Source.Postgres.DSN, cfg.Source.Postgres.Table)
		if err != nil {
			return nil, nil, err
		}
		return p, p, nil
	default:
		return nil, nil, fmt.Errorf("unknown source driver %q", cfg.Source.Driver)
	}
}
