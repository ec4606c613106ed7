package main

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"gorm.io/gorm"
)

// VerificationExportOptions contains options for exporting verification records
type VerificationExportOptions struct {
	Requester string
	Identity  string
	OutputDir string
}

// VerificationExporter handles exporting verification records to CSV
type VerificationExporter struct {
	db *gorm.DB
}

// NewVerificationExporter creates a new verification exporter
func NewVerificationExporter(db *gorm.DB, logger Logger) *VerificationExporter {
	return &VerificationExporter{
		db: db,
	}
}

// ExportToCSV exports verification records to CSV format
func (e *VerificationExporter) ExportToCSV(writer io.Writer, options VerificationExportOptions) error {
	store := NewVerificationStore(e.db)

	var requester, identity *string
	if options.Requester != "" {
		requester = &options.Requester
	}
	if options.Identity != "" {
		identity = &options.Identity
	}

	records, err := store.List(context.Background(), requester, identity, nil)
	if err != nil {
		return fmt.Errorf("failed to get verification records: %w", err)
	}

	csvWriter := csv.NewWriter(writer)
	defer csvWriter.Flush()

	// Write header
	header := []string{"ID", "Requester", "Identity", "Scheme", "Confident", "Valid", "Digest", "SigLength", "CreatedAt"}
	if err := csvWriter.Write(header); err != nil {
		return fmt.Errorf("failed to write header to CSV: %w", err)
	}

	// Write records
	for _, rec := range records {
		row := []string{
			fmt.Sprintf("%d", rec.ID),
			rec.Requester,
			rec.Identity,
			rec.Scheme,
			strconv.FormatBool(rec.Confident),
			strconv.FormatBool(rec.Valid),
			rec.Digest,
			fmt.Sprintf("%d", rec.SigLength),
			rec.CreatedAt.String(),
		}
		if err := csvWriter.Write(row); err != nil {
			return fmt.Errorf("failed to write row to CSV: %w", err)
		}
	}
	return nil
}

// ExportToFile exports verification records to a CSV file
func (e *VerificationExporter) ExportToFile(options VerificationExportOptions) (string, error) {
	if err := os.MkdirAll(options.OutputDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create directory %s: %w", options.OutputDir, err)
	}

	name := options.Requester
	if name == "" {
		name = "all"
	}
	fileName := filepath.Join(options.OutputDir, fmt.Sprintf("verifications_%s.csv", name))
	file, err := os.Create(fileName)
	if err != nil {
		return "", fmt.Errorf("failed to create CSV file %s: %w", fileName, err)
	}
	defer file.Close()

	if err := e.ExportToCSV(file, options); err != nil {
		return "", fmt.Errorf("failed to export to CSV: %w", err)
	}

	return fileName, nil
}

func runExportVerificationsCli(logger Logger) {
	logger = logger.NewSystem("export-verifications")
	if len(os.Args) > 4 {
		logger.Fatal("Usage: verinode export-verifications [requester] [identity]")
	}

	var requester, identity string

	// Optional requester parameter
	if len(os.Args) > 2 {
		requester = os.Args[2]
	}

	// Optional identity parameter
	if len(os.Args) > 3 {
		identity = os.Args[3]
	}

	config, err := LoadConfig(logger)
	if err != nil {
		logger.Fatal("Failed to load configuration", "error", err)
	}

	db, err := ConnectToDB(config.dbConf)
	if err != nil {
		logger.Fatal("Failed to setup database", "error", err)
	}

	exporter := NewVerificationExporter(db, logger)
	options := VerificationExportOptions{
		Requester: requester,
		Identity:  identity,
		OutputDir: "csv_export",
	}

	fileName, err := exporter.ExportToFile(options)
	if err != nil {
		logger.Fatal("Failed to export verification records", "error", err)
	}
	logger.Info("Successfully exported verification records", "file", fileName)
}
