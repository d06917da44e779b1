package recon

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"payday/models"
)

func setupReconDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

// seedBalancedWallet creates a wallet whose balance is backed by a matching
// completed deposit entry, so it reconciles cleanly.
func seedBalancedWallet(t *testing.T, db *gorm.DB, balance int64) *models.Wallet {
	t.Helper()
	w := models.Wallet{ID: uuid.New(), UserID: uuid.New(), Balance: balance}
	if err := db.Create(&w).Error; err != nil {
		t.Fatalf("create wallet: %v", err)
	}
	if balance != 0 {
		entry := models.Transaction{
			ID:           uuid.New(),
			UserID:       w.UserID,
			WalletID:     w.ID,
			Type:         models.TxDeposit,
			Amount:       balance,
			BalanceAfter: balance,
			Status:       models.TxCompleted,
			CreatedAt:    time.Now(),
		}
		if err := db.Create(&entry).Error; err != nil {
			t.Fatalf("create ledger entry: %v", err)
		}
	}
	return &w
}

func anomalyTypes(result *Result) []string {
	types := make([]string, 0, len(result.Anomalies))
	for _, a := range result.Anomalies {
		types = append(types, a.Type)
	}
	return types
}

func TestRunCleanLedgerProducesNoAnomalies(t *testing.T) {
	db := setupReconDB(t)
	seedBalancedWallet(t, db, 50_000)
	seedBalancedWallet(t, db, 0)

	r := NewReconciler(Config{DB: db})
	result, err := r.Run(context.Background(), RunOptions{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(result.Anomalies) != 0 {
		t.Fatalf("anomalies = %v, want none", anomalyTypes(result))
	}
	if len(result.Rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(result.Rows))
	}
}

func TestRunDetectsBalanceDrift(t *testing.T) {
	db := setupReconDB(t)
	w := seedBalancedWallet(t, db, 50_000)
	if err := db.Model(&models.Wallet{}).Where("id = ?", w.ID).Update("balance", 60_000).Error; err != nil {
		t.Fatalf("skew balance: %v", err)
	}

	var alerted []Anomaly
	r := NewReconciler(Config{DB: db, Alert: func(ctx context.Context, a Anomaly) error {
		alerted = append(alerted, a)
		return nil
	}})
	result, err := r.Run(context.Background(), RunOptions{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(result.Anomalies) != 1 || result.Anomalies[0].Type != AnomalyBalanceDrift {
		t.Fatalf("anomalies = %v, want one balance_drift", anomalyTypes(result))
	}
	if result.Anomalies[0].WalletID == nil || *result.Anomalies[0].WalletID != w.ID {
		t.Fatalf("anomaly wallet = %v, want %s", result.Anomalies[0].WalletID, w.ID)
	}
	if len(alerted) != 1 {
		t.Fatalf("alerts fired = %d, want 1", len(alerted))
	}
	if result.Rows[0].BalanceDrift != 10_000 {
		t.Fatalf("drift = %d, want 10000", result.Rows[0].BalanceDrift)
	}
}

func TestRunDetectsPendingDrift(t *testing.T) {
	db := setupReconDB(t)
	w := seedBalancedWallet(t, db, 0)
	if err := db.Model(&models.Wallet{}).Where("id = ?", w.ID).Update("pending_balance", 56_000).Error; err != nil {
		t.Fatalf("skew pending: %v", err)
	}

	r := NewReconciler(Config{DB: db})
	result, err := r.Run(context.Background(), RunOptions{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(result.Anomalies) != 1 || result.Anomalies[0].Type != AnomalyPendingDrift {
		t.Fatalf("anomalies = %v, want one pending_drift", anomalyTypes(result))
	}
}

func TestRunPendingBalanceBackedByHoldIsClean(t *testing.T) {
	db := setupReconDB(t)
	w := seedBalancedWallet(t, db, 0)
	if err := db.Model(&models.Wallet{}).Where("id = ?", w.ID).Update("pending_balance", 56_000).Error; err != nil {
		t.Fatalf("set pending: %v", err)
	}
	hold := models.EscrowTransaction{
		ID:          uuid.New(),
		GigID:       uuid.New(),
		PosterID:    w.UserID,
		Amount:      50_000,
		PlatformFee: 6_000,
		Status:      models.EscrowEscrowed,
	}
	if err := db.Create(&hold).Error; err != nil {
		t.Fatalf("create hold: %v", err)
	}

	r := NewReconciler(Config{DB: db})
	result, err := r.Run(context.Background(), RunOptions{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(result.Anomalies) != 0 {
		t.Fatalf("anomalies = %v, want none", anomalyTypes(result))
	}
}

func TestRunDetectsFailedRelease(t *testing.T) {
	db := setupReconDB(t)
	gigID := uuid.New()
	g := models.Gig{ID: gigID, PosterID: uuid.New(), Title: "stuck gig", Status: models.GigCompleted}
	if err := db.Create(&g).Error; err != nil {
		t.Fatalf("create gig: %v", err)
	}
	hold := models.EscrowTransaction{
		ID:          uuid.New(),
		GigID:       gigID,
		PosterID:    g.PosterID,
		Amount:      50_000,
		PlatformFee: 6_000,
		Status:      models.EscrowEscrowed,
	}
	if err := db.Create(&hold).Error; err != nil {
		t.Fatalf("create hold: %v", err)
	}

	r := NewReconciler(Config{DB: db})
	result, err := r.Run(context.Background(), RunOptions{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	found := false
	for _, a := range result.Anomalies {
		if a.Type == AnomalyFailedRelease {
			found = true
			if a.GigID == nil || *a.GigID != gigID {
				t.Fatalf("anomaly gig = %v, want %s", a.GigID, gigID)
			}
		}
	}
	if !found {
		t.Fatalf("anomalies = %v, want failed_release", anomalyTypes(result))
	}
}

func TestRunDetectsStaleConfirmation(t *testing.T) {
	db := setupReconDB(t)
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	gigID := uuid.New()
	seeker := uuid.New()
	g := models.Gig{ID: gigID, PosterID: uuid.New(), SeekerID: &seeker, Title: "silent poster", Status: models.GigAwaitingMutualConfirmation}
	if err := db.Create(&g).Error; err != nil {
		t.Fatalf("create gig: %v", err)
	}
	confirmedAt := now.Add(-4 * 24 * time.Hour)
	record := models.CompletionConfirmation{
		ID:                uuid.New(),
		GigID:             gigID,
		ConfirmedBySeeker: true,
		SeekerConfirmedAt: &confirmedAt,
	}
	if err := db.Create(&record).Error; err != nil {
		t.Fatalf("create confirmation: %v", err)
	}

	r := NewReconciler(Config{DB: db, StaleConfirmationAge: 72 * time.Hour, Now: func() time.Time { return now }})
	result, err := r.Run(context.Background(), RunOptions{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(result.Anomalies) != 1 || result.Anomalies[0].Type != AnomalyStaleConfirmation {
		t.Fatalf("anomalies = %v, want one stale_confirmation", anomalyTypes(result))
	}
}

func TestRunFreshOneSidedConfirmationIsNotStale(t *testing.T) {
	db := setupReconDB(t)
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	gigID := uuid.New()
	g := models.Gig{ID: gigID, PosterID: uuid.New(), Title: "fresh handshake", Status: models.GigAwaitingMutualConfirmation}
	if err := db.Create(&g).Error; err != nil {
		t.Fatalf("create gig: %v", err)
	}
	confirmedAt := now.Add(-time.Hour)
	record := models.CompletionConfirmation{
		ID:                uuid.New(),
		GigID:             gigID,
		ConfirmedByPoster: true,
		PosterConfirmedAt: &confirmedAt,
	}
	if err := db.Create(&record).Error; err != nil {
		t.Fatalf("create confirmation: %v", err)
	}

	r := NewReconciler(Config{DB: db, StaleConfirmationAge: 72 * time.Hour, Now: func() time.Time { return now }})
	result, err := r.Run(context.Background(), RunOptions{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(result.Anomalies) != 0 {
		t.Fatalf("anomalies = %v, want none", anomalyTypes(result))
	}
}

func TestRunWritesReportFiles(t *testing.T) {
	db := setupReconDB(t)
	seedBalancedWallet(t, db, 44_000)
	dir := t.TempDir()
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	r := NewReconciler(Config{DB: db, OutputDir: dir, Now: func() time.Time { return now }})
	result, err := r.Run(context.Background(), RunOptions{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if !strings.HasPrefix(result.CSVPath, filepath.Join(dir, "2026-03-14")) {
		t.Fatalf("csv path = %s", result.CSVPath)
	}
	raw, err := os.ReadFile(result.CSVPath)
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	content := string(raw)
	if !strings.Contains(content, "wallet_id,user_id,balance") {
		t.Fatalf("csv header missing: %s", content)
	}
	if !strings.Contains(content, "44000") {
		t.Fatalf("csv missing balance row: %s", content)
	}

	info, err := os.Stat(result.ParquetPath)
	if err != nil {
		t.Fatalf("stat parquet: %v", err)
	}
	if info.Size() == 0 {
		t.Fatal("parquet report is empty")
	}
}
