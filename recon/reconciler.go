package recon

import (
	"context"
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
	"gorm.io/gorm"

	"payday/models"
	"payday/observability"
)

// Anomaly types emitted by the reconciler.
const (
	AnomalyBalanceDrift      = "balance_drift"
	AnomalyPendingDrift      = "pending_drift"
	AnomalyFailedRelease     = "failed_release"
	AnomalyStaleConfirmation = "stale_confirmation"
)

// AlertFunc is invoked for every anomaly detected during reconciliation.
type AlertFunc func(ctx context.Context, anomaly Anomaly) error

// Config captures the dependencies required to construct a Reconciler.
type Config struct {
	DB                   *gorm.DB
	OutputDir            string
	StaleConfirmationAge time.Duration
	Now                  func() time.Time
	Alert                AlertFunc
	Logger               *slog.Logger
}

// RunOptions specifies overrides when executing a reconciliation window.
type RunOptions struct {
	Start time.Time
	End   time.Time
}

// Reconciler materialises nightly reports checking the ledger against
// wallet balances, escrow holds, and confirmation progress.
type Reconciler struct {
	db       *gorm.DB
	output   string
	staleAge time.Duration
	now      func() time.Time
	alert    AlertFunc
	logger   *slog.Logger
	metrics  *observability.ReconMetrics
}

// NewReconciler constructs a reconciler.
func NewReconciler(cfg Config) *Reconciler {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	staleAge := cfg.StaleConfirmationAge
	if staleAge <= 0 {
		staleAge = 72 * time.Hour
	}
	return &Reconciler{
		db:       cfg.DB,
		output:   cfg.OutputDir,
		staleAge: staleAge,
		now:      now,
		alert:    cfg.Alert,
		logger:   logger,
		metrics:  observability.Recon(),
	}
}

// Anomaly captures a reconciliation failure requiring operator review.
type Anomaly struct {
	Type     string
	WalletID *uuid.UUID
	GigID    *uuid.UUID
	Details  string
}

// ReportRow summarises the ledger check for a single wallet.
type ReportRow struct {
	WalletID         uuid.UUID
	UserID           uuid.UUID
	Balance          int64
	PendingBalance   int64
	LedgerSum        int64
	EscrowHoldSum    int64
	BalanceDrift     int64
	PendingDrift     int64
	TransactionCount int64
}

// Result summarises a reconciliation run.
type Result struct {
	Start       time.Time
	End         time.Time
	Rows        []*ReportRow
	Anomalies   []Anomaly
	CSVPath     string
	ParquetPath string
}

// Run executes one reconciliation pass over the supplied window and writes
// the report artefacts. The run is read only with respect to the ledger.
func (r *Reconciler) Run(ctx context.Context, opts RunOptions) (*Result, error) {
	end := opts.End
	if end.IsZero() {
		end = r.now()
	}
	start := opts.Start
	if start.IsZero() {
		start = end.Add(-24 * time.Hour)
	}
	result := &Result{Start: start, End: end}

	rows, anomalies, err := r.checkWallets(ctx)
	if err != nil {
		r.metrics.ObserveRun("error")
		return nil, err
	}
	result.Rows = rows
	result.Anomalies = append(result.Anomalies, anomalies...)

	releaseAnomalies, err := r.checkReleases(ctx)
	if err != nil {
		r.metrics.ObserveRun("error")
		return nil, err
	}
	result.Anomalies = append(result.Anomalies, releaseAnomalies...)

	staleAnomalies, err := r.checkConfirmations(ctx, end)
	if err != nil {
		r.metrics.ObserveRun("error")
		return nil, err
	}
	result.Anomalies = append(result.Anomalies, staleAnomalies...)

	if r.output != "" {
		csvPath, parquetPath, err := r.writeReportFiles(result)
		if err != nil {
			r.metrics.ObserveRun("error")
			return nil, err
		}
		result.CSVPath = csvPath
		result.ParquetPath = parquetPath
	}

	for _, anomaly := range result.Anomalies {
		r.metrics.ObserveAnomaly(anomaly.Type)
		if r.alert != nil {
			if err := r.alert(ctx, anomaly); err != nil {
				r.logger.Error("recon alert failed",
					slog.String("type", anomaly.Type),
					slog.String("error", err.Error()),
				)
			}
		}
	}
	r.metrics.ObserveRun("ok")
	r.logger.Info("reconciliation complete",
		slog.Int("wallets", len(result.Rows)),
		slog.Int("anomalies", len(result.Anomalies)),
	)
	return result, nil
}

// checkWallets verifies that every wallet balance equals the sum of its
// completed ledger entries and that pending balances match open holds.
func (r *Reconciler) checkWallets(ctx context.Context) ([]*ReportRow, []Anomaly, error) {
	var wallets []models.Wallet
	if err := r.db.WithContext(ctx).Order("created_at").Find(&wallets).Error; err != nil {
		return nil, nil, fmt.Errorf("recon: load wallets: %w", err)
	}

	rows := make([]*ReportRow, 0, len(wallets))
	var anomalies []Anomaly
	for i := range wallets {
		w := wallets[i]
		var ledgerSum int64
		err := r.db.WithContext(ctx).Model(&models.Transaction{}).
			Where("wallet_id = ? AND status = ?", w.ID, models.TxCompleted).
			Select("COALESCE(SUM(amount), 0)").Scan(&ledgerSum).Error
		if err != nil {
			return nil, nil, fmt.Errorf("recon: sum ledger for wallet %s: %w", w.ID, err)
		}
		var count int64
		if err := r.db.WithContext(ctx).Model(&models.Transaction{}).
			Where("wallet_id = ?", w.ID).Count(&count).Error; err != nil {
			return nil, nil, fmt.Errorf("recon: count ledger for wallet %s: %w", w.ID, err)
		}
		var holdSum int64
		err = r.db.WithContext(ctx).Model(&models.EscrowTransaction{}).
			Where("poster_id = ? AND status = ?", w.UserID, models.EscrowEscrowed).
			Select("COALESCE(SUM(amount + platform_fee), 0)").Scan(&holdSum).Error
		if err != nil {
			return nil, nil, fmt.Errorf("recon: sum holds for wallet %s: %w", w.ID, err)
		}

		row := &ReportRow{
			WalletID:         w.ID,
			UserID:           w.UserID,
			Balance:          w.Balance,
			PendingBalance:   w.PendingBalance,
			LedgerSum:        ledgerSum,
			EscrowHoldSum:    holdSum,
			BalanceDrift:     w.Balance - ledgerSum,
			PendingDrift:     w.PendingBalance - holdSum,
			TransactionCount: count,
		}
		rows = append(rows, row)

		walletID := w.ID
		if row.BalanceDrift != 0 {
			anomalies = append(anomalies, Anomaly{
				Type:     AnomalyBalanceDrift,
				WalletID: &walletID,
				Details:  fmt.Sprintf("balance %d does not match ledger sum %d", w.Balance, ledgerSum),
			})
		}
		if row.PendingDrift != 0 {
			anomalies = append(anomalies, Anomaly{
				Type:     AnomalyPendingDrift,
				WalletID: &walletID,
				Details:  fmt.Sprintf("pending balance %d does not match open holds %d", w.PendingBalance, holdSum),
			})
		}
	}
	return rows, anomalies, nil
}

// checkReleases flags completed gigs whose escrow never settled. These are
// the releases that failed after mutual confirmation and were recorded as
// failed ledger entries.
func (r *Reconciler) checkReleases(ctx context.Context) ([]Anomaly, error) {
	var escrows []models.EscrowTransaction
	err := r.db.WithContext(ctx).
		Joins("JOIN gigs ON gigs.id = escrow_transactions.gig_id").
		Where("gigs.status = ? AND escrow_transactions.status = ?", models.GigCompleted, models.EscrowEscrowed).
		Find(&escrows).Error
	if err != nil {
		return nil, fmt.Errorf("recon: load unsettled escrows: %w", err)
	}
	anomalies := make([]Anomaly, 0, len(escrows))
	for i := range escrows {
		gigID := escrows[i].GigID
		anomalies = append(anomalies, Anomaly{
			Type:    AnomalyFailedRelease,
			GigID:   &gigID,
			Details: fmt.Sprintf("gig completed but escrow %s still holds %d", escrows[i].ID, escrows[i].TotalHold()),
		})
	}
	return anomalies, nil
}

// checkConfirmations flags one-sided confirmations older than the stale
// age whose gig never completed.
func (r *Reconciler) checkConfirmations(ctx context.Context, asOf time.Time) ([]Anomaly, error) {
	cutoff := asOf.Add(-r.staleAge)
	var records []models.CompletionConfirmation
	err := r.db.WithContext(ctx).
		Joins("JOIN gigs ON gigs.id = completion_confirmations.gig_id").
		Where("gigs.status <> ?", models.GigCompleted).
		Where("(confirmed_by_seeker AND NOT confirmed_by_poster AND seeker_confirmed_at < ?) OR (confirmed_by_poster AND NOT confirmed_by_seeker AND poster_confirmed_at < ?)", cutoff, cutoff).
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("recon: load stale confirmations: %w", err)
	}
	anomalies := make([]Anomaly, 0, len(records))
	for i := range records {
		gigID := records[i].GigID
		side := "seeker"
		if records[i].ConfirmedByPoster {
			side = "poster"
		}
		anomalies = append(anomalies, Anomaly{
			Type:    AnomalyStaleConfirmation,
			GigID:   &gigID,
			Details: fmt.Sprintf("only the %s confirmed and the counterparty has been silent past %s", side, r.staleAge),
		})
	}
	return anomalies, nil
}

func (r *Reconciler) writeReportFiles(result *Result) (string, string, error) {
	runDir := filepath.Join(r.output, result.End.UTC().Format("2006-01-02"))
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", "", fmt.Errorf("recon: create report dir: %w", err)
	}
	filename := fmt.Sprintf("ledger_%s", result.End.UTC().Format("150405"))

	sort.Slice(result.Rows, func(i, j int) bool {
		return result.Rows[i].WalletID.String() < result.Rows[j].WalletID.String()
	})

	csvPath := filepath.Join(runDir, filename+".csv")
	if err := writeCSV(csvPath, result.Rows); err != nil {
		return "", "", err
	}
	parquetPath := filepath.Join(runDir, filename+".parquet")
	if err := writeParquet(parquetPath, result.Rows); err != nil {
		return "", "", err
	}
	r.logger.Info("recon report written",
		slog.String("csv", csvPath),
		slog.String("parquet", parquetPath),
		slog.Int("rows", len(result.Rows)),
	)
	return csvPath, parquetPath, nil
}

func writeCSV(path string, rows []*ReportRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("recon: create csv: %w", err)
	}
	defer file.Close()

	w := csv.NewWriter(file)
	header := []string{
		"wallet_id", "user_id", "balance", "pending_balance",
		"ledger_sum", "escrow_hold_sum", "balance_drift", "pending_drift",
		"transaction_count",
	}
	if err := w.Write(header); err != nil {
		return fmt.Errorf("recon: write csv header: %w", err)
	}
	for _, row := range rows {
		record := []string{
			row.WalletID.String(),
			row.UserID.String(),
			strconv.FormatInt(row.Balance, 10),
			strconv.FormatInt(row.PendingBalance, 10),
			strconv.FormatInt(row.LedgerSum, 10),
			strconv.FormatInt(row.EscrowHoldSum, 10),
			strconv.FormatInt(row.BalanceDrift, 10),
			strconv.FormatInt(row.PendingDrift, 10),
			strconv.FormatInt(row.TransactionCount, 10),
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
	WalletID         string `parquet:"name=wallet_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	UserID           string `parquet:"name=user_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Balance          int64  `parquet:"name=balance, type=INT64"`
	PendingBalance   int64  `parquet:"name=pending_balance, type=INT64"`
	LedgerSum        int64  `parquet:"name=ledger_sum, type=INT64"`
	EscrowHoldSum    int64  `parquet:"name=escrow_hold_sum, type=INT64"`
	BalanceDrift     int64  `parquet:"name=balance_drift, type=INT64"`
	PendingDrift     int64  `parquet:"name=pending_drift, type=INT64"`
	TransactionCount int64  `parquet:"name=transaction_count, type=INT64"`
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
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, row := range rows {
		pr := &parquetRow{
			WalletID:         row.WalletID.String(),
			UserID:           row.UserID.String(),
			Balance:          row.Balance,
			PendingBalance:   row.PendingBalance,
			LedgerSum:        row.LedgerSum,
			EscrowHoldSum:    row.EscrowHoldSum,
			BalanceDrift:     row.BalanceDrift,
			PendingDrift:     row.PendingDrift,
			TransactionCount: row.TransactionCount,
		}
		if err := pw.Write(pr); err != nil {
			pw.WriteStop()
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
