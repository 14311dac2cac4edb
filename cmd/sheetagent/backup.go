package main

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"sheetagent/internal/config"

	"github.com/spf13/cobra"
)

// Archive layout: config, the database and its WAL files at the top level,
// and session files under data/.
const archiveDataDir = "data"

func backupCmd() *cobra.Command {
	var outputPath string
	var withData bool

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Create a backup of the database and config",
		Long: `Creates a compressed .tar.gz archive containing the SQLite database
and configuration file. With --data the uploaded and generated workbooks
are included as well.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			cfgPath := config.ExpandPath(resolveConfigPath())

			if outputPath == "" {
				backupDir := filepath.Join(config.DefaultConfigDir(), "backups")
				if err := os.MkdirAll(backupDir, 0o755); err != nil {
					return fmt.Errorf("cannot create backup directory: %w", err)
				}
				ts := time.Now().Format("20060102-150405")
				outputPath = filepath.Join(backupDir, fmt.Sprintf("sheetagent-backup-%s.tar.gz", ts))
			}

			var entries []archiveEntry
			dbPath := cfg.Storage.DBPath
			for _, p := range []string{dbPath, dbPath + "-wal", dbPath + "-shm", cfgPath} {
				if _, err := os.Stat(p); err == nil {
					entries = append(entries, archiveEntry{path: p, name: filepath.Base(p)})
				}
			}
			if len(entries) == 0 {
				return fmt.Errorf("no files to backup (db: %s, config: %s)", dbPath, cfgPath)
			}
			if withData {
				data, err := dataEntries(cfg.General.DataDir)
				if err != nil {
					return fmt.Errorf("collect session files: %w", err)
				}
				entries = append(entries, data...)
			}

			if err := createTarGz(outputPath, entries); err != nil {
				return fmt.Errorf("backup failed: %w", err)
			}

			fmt.Printf("Backup created: %s\n", outputPath)
			fmt.Printf("Files included: %d\n", len(entries))
			for _, e := range entries {
				info, _ := os.Stat(e.path)
				size := int64(0)
				if info != nil {
					size = info.Size()
				}
				fmt.Printf("  - %s (%s)\n", e.name, humanSize(size))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "output file path (default: ~/.sheetagent/backups/sheetagent-backup-<timestamp>.tar.gz)")
	cmd.Flags().BoolVar(&withData, "data", false, "include uploaded and generated workbooks")
	return cmd
}

func restoreCmd() *cobra.Command {
	var inputPath string
	var force bool

	cmd := &cobra.Command{
		Use:   "restore [file.tar.gz]",
		Short: "Restore the database and config from a backup archive",
		Long: `Restores the SQLite database, configuration file and any session files
from a .tar.gz archive created by 'sheetagent backup'.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if inputPath == "" && len(args) > 0 {
				inputPath = args[0]
			}
			if inputPath == "" {
				return fmt.Errorf("specify a backup file: sheetagent restore <file.tar.gz>")
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			cfgPath := config.ExpandPath(resolveConfigPath())
			dbPath := cfg.Storage.DBPath

			if !force {
				existing := false
				for _, p := range []string{dbPath, cfgPath} {
					if _, err := os.Stat(p); err == nil {
						existing = true
					}
				}
				if existing {
					fmt.Printf("WARNING: This will overwrite existing data.\n")
					fmt.Printf("  Database: %s\n", dbPath)
					fmt.Printf("  Config:   %s\n", cfgPath)
					fmt.Printf("Use --force to skip this warning.\n")
					return fmt.Errorf("restore aborted (use --force to proceed)")
				}
			}

			restored, err := extractTarGz(inputPath, restoreTargets{
				db:      dbPath,
				config:  cfgPath,
				dataDir: cfg.General.DataDir,
			})
			if err != nil {
				return fmt.Errorf("restore failed: %w", err)
			}

			fmt.Printf("Restore completed from: %s\n", inputPath)
			fmt.Printf("Files restored: %d\n", len(restored))
			for _, f := range restored {
				fmt.Printf("  - %s\n", f)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&inputPath, "input", "i", "", "backup file to restore from")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing data without warning")
	return cmd
}

type archiveEntry struct {
	path string // on disk
	name string // inside the archive
}

// dataEntries lists every regular file under dataDir as data/<relative path>.
func dataEntries(dataDir string) ([]archiveEntry, error) {
	var entries []archiveEntry
	err := filepath.WalkDir(dataDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dataDir, path)
		if err != nil {
			return err
		}
		entries = append(entries, archiveEntry{path: path, name: archiveDataDir + "/" + filepath.ToSlash(rel)})
		return nil
	})
	return entries, err
}

func createTarGz(outputPath string, entries []archiveEntry) error {
	outFile, err := os.Create(outputPath)
	if err != nil {
		return err
	}
	defer outFile.Close()

	gzWriter := gzip.NewWriter(outFile)
	defer gzWriter.Close()

	tarWriter := tar.NewWriter(gzWriter)
	defer tarWriter.Close()

	for _, e := range entries {
		if err := addFileToTar(tarWriter, e); err != nil {
			return fmt.Errorf("add %s: %w", e.path, err)
		}
	}
	return nil
}

func addFileToTar(tw *tar.Writer, e archiveEntry) error {
	file, err := os.Open(e.path)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}

	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	header.Name = e.name

	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	_, err = io.Copy(tw, file)
	return err
}

type restoreTargets struct {
	db      string
	config  string
	dataDir string
}

// target maps an archive member to its destination. Unknown members and
// paths escaping the data directory are skipped.
func (t restoreTargets) target(name string) (string, bool) {
	if rel, ok := strings.CutPrefix(name, archiveDataDir+"/"); ok {
		clean := filepath.Clean(filepath.FromSlash(rel))
		if clean == "." || filepath.IsAbs(clean) || strings.HasPrefix(clean, "..") {
			return "", false
		}
		return filepath.Join(t.dataDir, clean), true
	}
	base := filepath.Base(name)
	dbBase := filepath.Base(t.db)
	switch {
	case base == "config.json" || base == "config.yaml" || base == "config.yml":
		return t.config, true
	case base == dbBase || strings.HasSuffix(base, ".db"):
		return t.db, true
	case strings.HasSuffix(base, "-wal"):
		return t.db + "-wal", true
	case strings.HasSuffix(base, "-shm"):
		return t.db + "-shm", true
	}
	return "", false
}

func extractTarGz(archivePath string, targets restoreTargets) ([]string, error) {
	file, err := os.Open(archivePath)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	gzReader, err := gzip.NewReader(file)
	if err != nil {
		return nil, fmt.Errorf("not a valid gzip file: %w", err)
	}
	defer gzReader.Close()

	tarReader := tar.NewReader(gzReader)
	var restored []string

	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}
		targetPath, ok := targets.target(header.Name)
		if !ok {
			continue
		}

		if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
			return nil, err
		}
		// Stored uploads are read-only.
		os.Remove(targetPath)
		outFile, err := os.OpenFile(targetPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(header.Mode).Perm()|0o200)
		if err != nil {
			return nil, fmt.Errorf("create %s: %w", targetPath, err)
		}
		if _, err := io.Copy(outFile, tarReader); err != nil {
			outFile.Close()
			return nil, fmt.Errorf("extract %s: %w", targetPath, err)
		}
		outFile.Close()
		if mode := os.FileMode(header.Mode).Perm(); mode&0o200 == 0 {
			os.Chmod(targetPath, mode)
		}

		restored = append(restored, targetPath)
	}

	return restored, nil
}

func humanSize(bytes int64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	switch {
	case bytes >= gb:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(gb))
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
