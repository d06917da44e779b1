package gig

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"payday/models"
)

func setupTestDB(t *testing.T) *gorm.DB {
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

func createGig(t *testing.T, db *gorm.DB, status models.GigStatus) *models.Gig {
	t.Helper()
	seeker := uuid.New()
	g := models.Gig{
		ID:        uuid.New(),
		PosterID:  uuid.New(),
		SeekerID:  &seeker,
		Title:     "test gig",
		Budget:    50_000,
		Status:    status,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if err := db.Create(&g).Error; err != nil {
		t.Fatalf("create gig: %v", err)
	}
	return &g
}

func TestValidateTransition(t *testing.T) {
	cases := []struct {
		current models.GigStatus
		next    models.GigStatus
		ok      bool
	}{
		{models.GigOpen, models.GigHasApplications, true},
		{models.GigOpen, models.GigAssigned, false},
		{models.GigAssignedPendingFunding, models.GigAssigned, true},
		{models.GigAssigned, models.GigPendingCompletion, true},
		{models.GigPendingCompletion, models.GigAwaitingMutualConfirmation, true},
		{models.GigAwaitingMutualConfirmation, models.GigCompleted, true},
		{models.GigCompleted, models.GigOpen, false},
		{models.GigCancelled, models.GigOpen, false},
		{models.GigAssigned, models.GigCancelled, true},
	}
	for _, tc := range cases {
		err := ValidateTransition(tc.current, tc.next)
		if tc.ok && err != nil {
			t.Errorf("ValidateTransition(%s, %s) = %v, want nil", tc.current, tc.next, err)
		}
		if !tc.ok && err == nil {
			t.Errorf("ValidateTransition(%s, %s) = nil, want error", tc.current, tc.next)
		}
	}
}

func TestSetStatusSameStatusIsNoop(t *testing.T) {
	db := setupTestDB(t)
	registry := NewRegistry(db, nil)
	g := createGig(t, db, models.GigAssigned)

	updated, err := registry.SetStatus(db, g.ID, models.GigAssigned, CallerApplication)
	if err != nil {
		t.Fatalf("same-status transition: %v", err)
	}
	if updated.Status != models.GigAssigned {
		t.Fatalf("status = %s, want %s", updated.Status, models.GigAssigned)
	}
}

func TestSetStatusEnforcesOwner(t *testing.T) {
	db := setupTestDB(t)
	registry := NewRegistry(db, nil)
	g := createGig(t, db, models.GigAssignedPendingFunding)

	if _, err := registry.SetStatus(db, g.ID, models.GigAssigned, CallerApplication); !errors.Is(err, ErrTransitionDenied) {
		t.Fatalf("application caller moved a funding transition: %v", err)
	}
	if _, err := registry.SetStatus(db, g.ID, models.GigAssigned, CallerEscrow); err != nil {
		t.Fatalf("escrow caller denied its own transition: %v", err)
	}

	reloaded, err := registry.Get(context.Background(), g.ID)
	if err != nil {
		t.Fatalf("get gig: %v", err)
	}
	if reloaded.Status != models.GigAssigned {
		t.Fatalf("status = %s, want %s", reloaded.Status, models.GigAssigned)
	}
}

func TestSetStatusRejectsIllegalTransition(t *testing.T) {
	db := setupTestDB(t)
	registry := NewRegistry(db, nil)
	g := createGig(t, db, models.GigCompleted)

	if _, err := registry.SetStatus(db, g.ID, models.GigOpen, CallerApplication); err == nil {
		t.Fatal("completed gig reopened")
	}
}

func TestGetUnknownGig(t *testing.T) {
	db := setupTestDB(t)
	registry := NewRegistry(db, nil)

	if _, err := registry.Get(context.Background(), uuid.New()); !errors.Is(err, ErrGigNotFound) {
		t.Fatalf("err = %v, want ErrGigNotFound", err)
	}
}
