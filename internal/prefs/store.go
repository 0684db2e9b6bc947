// Package prefs persists per-printer viewer preferences, currently the last
// window geometry applied to a detached stream viewer.
package prefs

import (
	"context"
	"errors"
	"fmt"

	"github.com/printdeck/printdeck/internal/database"
	"github.com/printdeck/printdeck/internal/models"
	"gorm.io/gorm"
)

// Geometry describes a viewer window's size and position.
type Geometry struct {
	Width  int `json:"width"`
	Height int `json:"height"`
	X      int `json:"x"`
	Y      int `json:"y"`
}

// Store reads and writes viewer preferences.
type Store struct {
	db *database.DB
}

// NewStore creates a preference store backed by db.
func NewStore(db *database.DB) *Store {
	return &Store{db: db}
}

// Geometry returns the saved window geometry for a printer, or (nil, nil)
// when none has been saved yet. A preference row that only carries a saved
// mode counts as no geometry.
func (s *Store) Geometry(ctx context.Context, printerID string) (*Geometry, error) {
	var pref models.ViewerPreference
	err := s.db.WithContext(ctx).Where("printer_id = ?", printerID).First(&pref).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading viewer preference: %w", err)
	}
	if pref.Width == 0 && pref.Height == 0 {
		return nil, nil
	}
	return &Geometry{
		Width:  pref.Width,
		Height: pref.Height,
		X:      pref.X,
		Y:      pref.Y,
	}, nil
}

// SaveGeometry upserts the window geometry for a printer.
func (s *Store) SaveGeometry(ctx context.Context, printerID string, g Geometry) error {
	var pref models.ViewerPreference
	err := s.db.WithContext(ctx).Where("printer_id = ?", printerID).First(&pref).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		pref = models.ViewerPreference{
			PrinterID: printerID,
			Width:     g.Width,
			Height:    g.Height,
			X:         g.X,
			Y:         g.Y,
		}
		if err := s.db.WithContext(ctx).Create(&pref).Error; err != nil {
			return fmt.Errorf("creating viewer preference: %w", err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("loading viewer preference: %w", err)
	}

	pref.Width = g.Width
	pref.Height = g.Height
	pref.X = g.X
	pref.Y = g.Y
	if err := s.db.WithContext(ctx).Save(&pref).Error; err != nil {
		return fmt.Errorf("updating viewer preference: %w", err)
	}
	return nil
}

// Mode returns the last viewing mode selected for a printer, or "" when none
// has been saved.
func (s *Store) Mode(ctx context.Context, printerID string) (string, error) {
	var pref models.ViewerPreference
	err := s.db.WithContext(ctx).Where("printer_id = ?", printerID).First(&pref).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("loading viewer preference: %w", err)
	}
	return pref.Mode, nil
}

// SaveMode upserts the last selected viewing mode for a printer without
// touching any saved geometry.
func (s *Store) SaveMode(ctx context.Context, printerID string, mode string) error {
	var pref models.ViewerPreference
	err := s.db.WithContext(ctx).Where("printer_id = ?", printerID).First(&pref).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		pref = models.ViewerPreference{PrinterID: printerID, Mode: mode}
		if err := s.db.WithContext(ctx).Create(&pref).Error; err != nil {
			return fmt.Errorf("creating viewer preference: %w", err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("loading viewer preference: %w", err)
	}

	pref.Mode = mode
	if err := s.db.WithContext(ctx).Save(&pref).Error; err != nil {
		return fmt.Errorf("updating viewer preference: %w", err)
	}
	return nil
}

// Delete removes the saved preferences for a printer. Deleting a printer
// with nothing saved is not an error.
func (s *Store) Delete(ctx context.Context, printerID string) error {
	err := s.db.WithContext(ctx).
		Where("printer_id = ?", printerID).
		Delete(&models.ViewerPreference{}).Error
	if err != nil {
		return fmt.Errorf("deleting viewer preference: %w", err)
	}
	return nil
}
