package db

import (
	"fmt"

	"gorm.io/gorm"
)

// Statements are written to run unchanged on PostgreSQL and SQLite.
var migrationStatements = []string{
	`CREATE TABLE IF NOT EXISTS vehicles (
		id              VARCHAR(36) PRIMARY KEY,
		plate_number    VARCHAR(20) NOT NULL,
		owner_name      VARCHAR(100) NOT NULL,
		vehicle_type    VARCHAR(50),
		contact_number  VARCHAR(20),
		valid_until     DATE,
		notes           TEXT,
		created_at      TIMESTAMP NOT NULL,
		updated_at      TIMESTAMP NOT NULL
	);`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_vehicles_plate_number ON vehicles(plate_number);`,
	`CREATE TABLE IF NOT EXISTS detection_history (
		id              VARCHAR(36) PRIMARY KEY,
		node_id         VARCHAR(50) NOT NULL,
		plate_number    VARCHAR(20) NOT NULL,
		detected_at     TIMESTAMP NOT NULL,
		confidence      DOUBLE PRECISION,
		status          VARCHAR(20) NOT NULL CHECK (status IN ('ALLOWED', 'DENIED')),
		owner_name      VARCHAR(100),
		image_path      TEXT,
		metadata        TEXT
	);`,
	`CREATE INDEX IF NOT EXISTS idx_detection_history_detected_at ON detection_history(detected_at);`,
	`CREATE INDEX IF NOT EXISTS idx_detection_history_plate_number ON detection_history(plate_number);`,
}

func runMigrations(db *gorm.DB) error {
	for i, stmt := range migrationStatements {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}
	return nil
}
