// Package recon exports settled payment verdicts and flags the ones that need
// an operator, such as orders paid twice or transfers that landed short.
package recon

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
	"gorm.io/gorm"

	"stakegate/services/stakegate/models"
)

// Anomaly types emitted by the reconciler.
const (
	AnomalyDuplicatePayment = "duplicate_payment"
	AnomalyOverpayment      = "overpayment"
	AnomalyUnderpayment     = "underpayment"
)

// AlertFunc is invoked for every anomaly detected during reconciliation.
type AlertFunc func(ctx context.Context, anomaly Anomaly) error

// Config captures the dependencies required to construct a Reconciler.
type Config struct {
	DB        *gorm.DB
	OutputDir string
	DryRun    bool
	// Decimals converts stored base units into token amounts.
	Decimals int32
	Alert    AlertFunc
	Logger   *slog.Logger
}

// RunOptions bounds a reconciliation window. Start is inclusive, End
// exclusive.
type RunOptions struct {
	Start  time.Time
	End    time.Time
	DryRun bool
}

// Reconciler materialises reports over stored verification verdicts.
type Reconciler struct {
	db        *gorm.DB
	outputDir string
	dryRun    bool
	decimals  int32
	alert     AlertFunc
	logger    *slog.Logger
}

// Anomaly captures a settlement requiring operator review.
type Anomaly struct {
	Type      string
	OrderID   string
	Signature string
	Details   string
}

// ReportRow is one verdict in a report.
type ReportRow struct {
	Signature string
	OrderID   string
	Payer     string
	Verdict   models.Verdict
	Expected  decimal.Decimal
	Received  decimal.Decimal
	Overpaid  decimal.Decimal
	Slot      int64
	BlockTime *time.Time
	CreatedAt time.Time
	Flagged   bool
}

// Result summarises a reconciliation run.
type Result struct {
	Start       time.Time
	End         time.Time
	Rows        []*ReportRow
	Anomalies   []Anomaly
	CSVPath     string
	ParquetPath string
	// Settled totals accepted payments in token units.
	Settled decimal.Decimal
}

// NewReconciler builds a configured reconciler.
func NewReconciler(cfg Config) (*Reconciler, error) {
	if cfg.DB == nil {
		return nil, errors.New("recon: db is required")
	}
	outputDir := cfg.OutputDir
	if outputDir == "" {
		outputDir = filepath.Join("stakegate-data", "recon")
	}
	if cfg.Alert == nil {
		cfg.Alert = func(context.Context, Anomaly) error { return nil }
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Reconciler{
		db:        cfg.DB,
		outputDir: outputDir,
		dryRun:    cfg.DryRun,
		decimals:  cfg.Decimals,
		alert:     cfg.Alert,
		logger:    cfg.Logger.With("component", "recon"),
	}, nil
}

// Run reconciles the verdicts stored within the window.
func (r *Reconciler) Run(ctx context.Context, opts RunOptions) (*Result, error) {
	start, end := opts.Start.UTC(), opts.End.UTC()
	if !end.After(start) {
		return nil, fmt.Errorf("recon: end must be after start")
	}
	dryRun := r.dryRun || opts.DryRun

	var records []models.VerificationRecord
	if err := r.db.WithContext(ctx).
		Where("created_at >= ? AND created_at < ?", start, end).
		Order("created_at, signature").
		Find(&records).Error; err != nil {
		return nil, fmt.Errorf("recon: load verifications: %w", err)
	}

	result := &Result{Start: start, End: end, Settled: decimal.Zero}
	accepted := make(map[string][]*ReportRow)
	for i := range records {
		row := r.row(&records[i])
		result.Rows = append(result.Rows, row)
		switch {
		case row.Verdict == models.VerdictAccepted:
			result.Settled = result.Settled.Add(row.Received)
			accepted[row.OrderID] = append(accepted[row.OrderID], row)
			if row.Overpaid.IsPositive() {
				row.Flagged = true
				result.Anomalies = append(result.Anomalies, r.raise(ctx, Anomaly{
					Type:      AnomalyOverpayment,
					OrderID:   row.OrderID,
					Signature: row.Signature,
					Details:   fmt.Sprintf("received %s, expected %s", row.Received, row.Expected),
				}))
			}
		case row.Verdict == models.VerdictInsufficientAmount && row.Received.IsPositive():
			row.Flagged = true
			result.Anomalies = append(result.Anomalies, r.raise(ctx, Anomaly{
				Type:      AnomalyUnderpayment,
				OrderID:   row.OrderID,
				Signature: row.Signature,
				Details:   fmt.Sprintf("received %s of %s; funds held without a settled order", row.Received, row.Expected),
			}))
		}
	}

	orders := make([]string, 0, len(accepted))
	for order := range accepted {
		orders = append(orders, order)
	}
	sort.Strings(orders)
	for _, order := range orders {
		rows := accepted[order]
		if len(rows) < 2 {
			continue
		}
		for _, row := range rows {
			row.Flagged = true
		}
		result.Anomalies = append(result.Anomalies, r.raise(ctx, Anomaly{
			Type:      AnomalyDuplicatePayment,
			OrderID:   order,
			Signature: rows[len(rows)-1].Signature,
			Details:   fmt.Sprintf("order settled by %d transactions", len(rows)),
		}))
	}

	if dryRun || len(result.Rows) == 0 {
		return result, nil
	}
	runDir := filepath.Join(r.outputDir, fmt.Sprintf("%s_%s", start.Format("20060102T1504"), end.Format("20060102T1504")))
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, fmt.Errorf("recon: ensure output dir: %w", err)
	}
	result.CSVPath = filepath.Join(runDir, "verifications.csv")
	if err := writeCSV(result.CSVPath, result.Rows); err != nil {
		return nil, err
	}
	result.ParquetPath = filepath.Join(runDir, "verifications.parquet")
	if err := writeParquet(result.ParquetPath, result.Rows); err != nil {
		return nil, err
	}
	r.logger.Info("reconciliation written",
		"rows", len(result.Rows),
		"anomalies", len(result.Anomalies),
		"csv", result.CSVPath,
		"parquet", result.ParquetPath,
	)
	return result, nil
}

func (r *Reconciler) row(rec *models.VerificationRecord) *ReportRow {
	row := &ReportRow{
		Signature: rec.Signature,
		OrderID:   rec.OrderID,
		Payer:     rec.Payer,
		Verdict:   rec.Verdict,
		Expected:  r.tokens(rec.ExpectedUnits),
		Received:  r.tokens(rec.ReceivedUnits),
		Overpaid:  decimal.Zero,
		Slot:      rec.Slot,
		BlockTime: rec.BlockTime,
		CreatedAt: rec.CreatedAt.UTC(),
	}
	if row.Received.GreaterThan(row.Expected) {
		row.Overpaid = row.Received.Sub(row.Expected)
	}
	return row
}

func (r *Reconciler) tokens(units string) decimal.Decimal {
	if units == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(units)
	if err != nil {
		r.logger.Warn("unparseable stored amount", "units", units)
		return decimal.Zero
	}
	return d.Shift(-r.decimals)
}

func (r *Reconciler) raise(ctx context.Context, anomaly Anomaly) Anomaly {
	if err := r.alert(ctx, anomaly); err != nil {
		r.logger.Warn("recon alert delivery failed", "type", anomaly.Type, "error", err)
	}
	return anomaly
}

var csvHeader = []string{
	"signature", "order_id", "payer", "verdict", "expected", "received", "overpaid",
	"slot", "block_time", "created_at", "flagged",
}

func writeCSV(path string, rows []*ReportRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("recon: create csv: %w", err)
	}
	defer file.Close()
	w := csv.NewWriter(file)
	if err := w.Write(csvHeader); err != nil {
		return fmt.Errorf("recon: write csv header: %w", err)
	}
	for _, row := range rows {
		record := []string{
			row.Signature,
			row.OrderID,
			row.Payer,
			string(row.Verdict),
			row.Expected.String(),
			row.Received.String(),
			row.Overpaid.String(),
			strconv.FormatInt(row.Slot, 10),
			formatTime(row.BlockTime),
			row.CreatedAt.Format(time.RFC3339),
			strconv.FormatBool(row.Flagged),
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("recon: write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("recon: flush csv: %w", err)
	}
	return nil
}

type parquetRow struct {
	Signature string `parquet:"name=signature, type=UTF8"`
	OrderID   string `parquet:"name=order_id, type=UTF8"`
	Payer     string `parquet:"name=payer, type=UTF8"`
	Verdict   string `parquet:"name=verdict, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Expected  string `parquet:"name=expected, type=UTF8"`
	Received  string `parquet:"name=received, type=UTF8"`
	Overpaid  string `parquet:"name=overpaid, type=UTF8"`
	Slot      int64  `parquet:"name=slot, type=INT64"`
	BlockTime string `parquet:"name=block_time, type=UTF8"`
	CreatedAt string `parquet:"name=created_at, type=UTF8"`
	Flagged   bool   `parquet:"name=flagged, type=BOOLEAN"`
}

func writeParquet(path string, rows []*ReportRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("recon: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("recon: parquet schema: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, row := range rows {
		pr := &parquetRow{
			Signature: row.Signature,
			OrderID:   row.OrderID,
			Payer:     row.Payer,
			Verdict:   string(row.Verdict),
			Expected:  row.Expected.String(),
			Received:  row.Received.String(),
			Overpaid:  row.Overpaid.String(),
			Slot:      row.Slot,
			BlockTime: formatTime(row.BlockTime),
			CreatedAt: row.CreatedAt.Format(time.RFC3339),
			Flagged:   row.Flagged,
		}
		if err := pw.Write(pr); err != nil {
			_ = pw.WriteStop()
			file.Close()
			return fmt.Errorf("recon: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("recon: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("recon: close parquet file: %w", err)
	}
	return nil
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
