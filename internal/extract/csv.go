package extract

import (
	"context"
	"encoding/csv"
	"io"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/coinflux/coinflux/internal/models"
)

// extractCSV stream-parses the tabular source. Drift is detected on the raw
// header row before any mapping, then every row is mapped to unified shape
// during the parse so downstream sees the same record stream as the HTTP
// sources.
func (e *Extractor) extractCSV(ctx context.Context, src Source) (Result, error) {
	res := Result{Source: src.ID}

	f, err := os.Open(src.Path)
	if err != nil {
		e.metrics.Errors.WithLabelValues(src.ID, "data").Inc()
		log.Warn().Str("source", src.ID).Err(err).Msg("csv source unreadable")
		return res, nil
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		if err != io.EOF {
			e.metrics.Errors.WithLabelValues(src.ID, "data").Inc()
			log.Warn().Str("source", src.ID).Err(err).Msg("csv header unreadable")
		}
		return res, nil
	}

	firstRow, err := reader.Read()
	if err == io.EOF {
		return res, nil
	}
	if err != nil {
		e.metrics.Errors.WithLabelValues(src.ID, "data").Inc()
		return res, nil
	}

	drift := e.mapper.DetectDrift(src.ID, rawRow(header, firstRow))
	res.Drift = &drift

	appendMapped := func(row []string) {
		mapped, _ := e.mapper.MapRow(src.ID, rawRow(header, row))
		res.Records = append(res.Records, mapped)
	}
	appendMapped(firstRow)

	for src.Cap <= 0 || len(res.Records) < src.Cap {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			// One malformed row does not void the file.
			log.Debug().Str("source", src.ID).Err(err).Msg("skipping malformed csv row")
			continue
		}
		appendMapped(row)
	}

	res.Records = capRecords(res.Records, src.Cap)
	return res, nil
}

// rawRow zips a header with one row of values into a raw record.
func rawRow(header, row []string) models.RawRecord {
	rec := make(models.RawRecord, len(header))
	for i, field := range header {
		if i < len(row) {
			rec[field] = row[i]
		}
	}
	return rec
}
