package main

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"relaybot/internal/config"
	"relaybot/internal/memory"
)

const manifestName = "manifest.json"

// Archive members are tagged with what they restore to.
const (
	roleDatabase = "database"
	roleConfig   = "config"
)

type archiveEntry struct {
	Name   string `json:"name"`
	Role   string `json:"role"`
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256"`
}

// manifest is the first member of every backup archive.
type manifest struct {
	CreatedAt time.Time      `json:"createdAt"`
	Entries   []archiveEntry `json:"entries"`
}

func (m *manifest) entry(name string) (archiveEntry, bool) {
	for _, e := range m.Entries {
		if e.Name == name {
			return e, true
		}
	}
	return archiveEntry{}, false
}

func backupCmd() *cobra.Command {
	var outputPath string
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Archive a snapshot of the thread database and the config",
		Long: `Writes a .tar.gz holding a consistent snapshot of the SQLite thread database,
the configuration file and a manifest with their checksums. The service may keep
running while the snapshot is taken.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			if outputPath == "" {
				dir := filepath.Join(config.DefaultConfigDir(), "backups")
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return fmt.Errorf("create backup directory: %w", err)
				}
				outputPath = filepath.Join(dir, "relaybot-backup-"+time.Now().Format("20060102-150405")+".tar.gz")
			}

			m, err := writeBackup(cmd.Context(), outputPath, resolveDBPath(cfgPath), cfgPath)
			if err != nil {
				return fmt.Errorf("backup failed: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Backup created: %s\n", outputPath)
			for _, e := range m.Entries {
				fmt.Fprintf(out, "  - %s (%s, %s)\n", e.Name, e.Role, humanize.IBytes(uint64(e.Size)))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "output file (default: ~/.relaybot/backups/relaybot-backup-<timestamp>.tar.gz)")
	return cmd
}

func restoreCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "restore <backup.tar.gz>",
		Short: "Restore the thread database and config from a backup archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			dbPath := resolveDBPath(cfgPath)
			if !force {
				for _, p := range []string{dbPath, cfgPath} {
					if _, err := os.Stat(p); err == nil {
						return fmt.Errorf("%s exists; restore aborted (use --force to overwrite)", p)
					}
				}
			}

			restored, err := readBackup(args[0], map[string]string{roleDatabase: dbPath, roleConfig: cfgPath})
			if err != nil {
				return fmt.Errorf("restore failed: %w", err)
			}
			// A stale WAL would be replayed over the restored database.
			os.Remove(dbPath + "-wal")
			os.Remove(dbPath + "-shm")

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Restored from %s:\n", args[0])
			for _, p := range restored {
				fmt.Fprintf(out, "  - %s\n", p)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing data")
	return cmd
}

// resolveDBPath reads the database path from the config, falling back to the
// default when the config cannot be loaded.
func resolveDBPath(cfgPath string) string {
	if cfg, err := config.Load(cfgPath); err == nil {
		return cfg.Memory.DBPath
	}
	return config.ExpandPath(config.Defaults().Memory.DBPath)
}

// writeBackup snapshots the database (when present) and archives it with the
// config file.
func writeBackup(ctx context.Context, outputPath, dbPath, cfgPath string) (*manifest, error) {
	staging, err := os.MkdirTemp("", "relaybot-backup-")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(staging)

	type member struct{ path, role string }
	var members []member
	if _, err := os.Stat(dbPath); err == nil {
		snap := filepath.Join(staging, filepath.Base(dbPath))
		store, err := memory.NewSQLiteStore(dbPath, logger)
		if err != nil {
			return nil, err
		}
		err = store.Snapshot(ctx, snap)
		store.Close()
		if err != nil {
			return nil, err
		}
		members = append(members, member{snap, roleDatabase})
	}
	if _, err := os.Stat(cfgPath); err == nil {
		members = append(members, member{cfgPath, roleConfig})
	}
	if len(members) == 0 {
		return nil, fmt.Errorf("nothing to back up (db: %s, config: %s)", dbPath, cfgPath)
	}

	m := &manifest{CreatedAt: time.Now().UTC()}
	for _, mem := range members {
		e, err := describe(mem.path, mem.role)
		if err != nil {
			return nil, err
		}
		m.Entries = append(m.Entries, e)
	}

	f, err := os.Create(outputPath)
	if err != nil {
		return nil, err
	}
	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)
	err = writeManifest(tw, m)
	for i := 0; err == nil && i < len(members); i++ {
		err = addFile(tw, members[i].path, m.Entries[i].Name)
	}
	err = errors.Join(err, tw.Close(), gz.Close(), f.Close())
	if err != nil {
		os.Remove(outputPath)
		return nil, err
	}
	return m, nil
}

func describe(path, role string) (archiveEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return archiveEntry{}, err
	}
	defer f.Close()
	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return archiveEntry{}, err
	}
	return archiveEntry{Name: filepath.Base(path), Role: role, Size: n, SHA256: hex.EncodeToString(h.Sum(nil))}, nil
}

func writeManifest(tw *tar.Writer, m *manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	hdr := &tar.Header{Name: manifestName, Mode: 0o600, Size: int64(len(data)), ModTime: m.CreatedAt}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err = tw.Write(data)
	return err
}

func addFile(tw *tar.Writer, path, name string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	hdr.Name = name
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err = io.Copy(tw, f)
	return err
}

// readBackup restores each archived member to targets[role]. Every member is
// checked against the manifest before it replaces anything.
func readBackup(archivePath string, targets map[string]string) ([]string, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("not a gzip archive: %w", err)
	}
	defer gz.Close()
	tr := tar.NewReader(gz)

	hdr, err := tr.Next()
	if err != nil || hdr.Name != manifestName {
		return nil, fmt.Errorf("archive has no %s", manifestName)
	}
	var m manifest
	if err := json.NewDecoder(tr).Decode(&m); err != nil {
		return nil, fmt.Errorf("read %s: %w", manifestName, err)
	}

	var restored []string
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return restored, nil
		}
		if err != nil {
			return restored, err
		}
		e, ok := m.entry(hdr.Name)
		target := targets[e.Role]
		if !ok || target == "" {
			continue
		}
		if err := restoreFile(tr, e, target); err != nil {
			return restored, fmt.Errorf("restore %s: %w", e.Name, err)
		}
		restored = append(restored, target)
	}
}

// restoreFile writes r next to target, verifies it, then renames it into place.
func restoreFile(r io.Reader, e archiveEntry, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(target), ".restore-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	h := sha256.New()
	_, err = io.Copy(io.MultiWriter(tmp, h), r)
	if err = errors.Join(err, tmp.Close()); err != nil {
		return err
	}
	if sum := hex.EncodeToString(h.Sum(nil)); sum != e.SHA256 {
		return fmt.Errorf("checksum mismatch (archive corrupt?)")
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), target)
}
