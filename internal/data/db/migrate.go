package db

import (
	"fmt"

	"gorm.io/gorm"

	types "github.com/yungbote/terrain-backend/internal/domain"
)

// AutoMigrateAll creates the terrain tables for development and tests. The
// production schema is owned elsewhere; this mirrors it closely enough for the
// repositories to behave identically.
func AutoMigrateAll(db *gorm.DB) error {
	if err := db.AutoMigrate(types.AllModels()...); err != nil {
		return err
	}
	if db.Dialector.Name() == "postgres" {
		return EnsureUpdatedAtTriggers(db)
	}
	return nil
}

// EnsureUpdatedAtTriggers installs the trigger that keeps updated_at current
// on every dem_tiles update.
func EnsureUpdatedAtTriggers(db *gorm.DB) error {
	if err := db.Exec(`
		CREATE OR REPLACE FUNCTION set_updated_at() RETURNS trigger AS $$
		BEGIN
			NEW.updated_at = now();
			RETURN NEW;
		END;
		$$ LANGUAGE plpgsql;
	`).Error; err != nil {
		return fmt.Errorf("create set_updated_at: %w", err)
	}
	if err := db.Exec(`DROP TRIGGER IF EXISTS trg_dem_tiles_updated_at ON dem_tiles;`).Error; err != nil {
		return fmt.Errorf("drop trg_dem_tiles_updated_at: %w", err)
	}
	if err := db.Exec(`
		CREATE TRIGGER trg_dem_tiles_updated_at
		BEFORE UPDATE ON dem_tiles
		FOR EACH ROW EXECUTE FUNCTION set_updated_at();
	`).Error; err != nil {
		return fmt.Errorf("create trg_dem_tiles_updated_at: %w", err)
	}
	return nil
}
