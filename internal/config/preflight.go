package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// PreflightResult summarises environment checks made before a run
type PreflightResult struct {
	SourceReadable  bool
	OutputWritable  bool
	StagingWritable bool
	DatabaseFound   bool
	CredentialsOK   bool
	Warnings        []string
	Errors          []string
}

// OK reports whether no check produced an error
func (r *PreflightResult) OK() bool {
	return len(r.Errors) == 0
}

// Preflight checks that the paths and key material named by a validated
// configuration are usable. It never modifies anything except a scratch file
// in writable directories, which it removes again.
func Preflight(cfg *Config) *PreflightResult {
	result := &PreflightResult{
		SourceReadable:  true,
		OutputWritable:  true,
		StagingWritable: true,
		DatabaseFound:   true,
		CredentialsOK:   true,
	}

	if err := checkReadableDir(cfg.Source.Root); err != nil {
		result.SourceReadable = false
		result.Errors = append(result.Errors, fmt.Sprintf("source root: %v", err))
	}

	if err := checkWritableDir(cfg.Output.Dir, true); err != nil {
		result.OutputWritable = false
		result.Errors = append(result.Errors, fmt.Sprintf("output dir: %v", err))
	}

	if err := checkWritableDir(cfg.Staging.Root, false); err != nil {
		result.StagingWritable = false
		result.Errors = append(result.Errors, fmt.Sprintf("staging root: %v", err))
	}

	if cfg.Snapshot.Enabled && cfg.Snapshot.Driver == "sqlite" {
		if _, err := os.Stat(cfg.LiveDatabasePath()); err != nil {
			result.DatabaseFound = false
			result.Errors = append(result.Errors, fmt.Sprintf("database: %v", err))
		}
	}

	if cfg.Transport.Enabled {
		checkTransportCredentials(cfg, result)
	}

	if !cfg.Encryption.Enabled && cfg.Transport.Enabled {
		result.Warnings = append(result.Warnings,
			"artifacts leave this host unencrypted; consider enabling encryption")
	}
	if !cfg.Notify.Enabled {
		result.Warnings = append(result.Warnings, "notifications are disabled")
	}

	return result
}

func checkTransportCredentials(cfg *Config, result *PreflightResult) {
	switch cfg.Transport.Provider {
	case "sftp":
		if cfg.Transport.SFTP == nil {
			return
		}
		if _, err := os.Stat(cfg.Transport.SFTP.PrivateKeyPath); err != nil {
			result.CredentialsOK = false
			result.Errors = append(result.Errors, fmt.Sprintf("private key: %v", err))
		}
		if cfg.Transport.SFTP.KnownHostsPath == "" {
			result.Warnings = append(result.Warnings,
				"known_hosts_path is empty; the remote host key will not be verified")
		} else if _, err := os.Stat(cfg.Transport.SFTP.KnownHostsPath); err != nil {
			result.CredentialsOK = false
			result.Errors = append(result.Errors, fmt.Sprintf("known_hosts: %v", err))
		}
	case "gcs":
		if cfg.Transport.GCS != nil && cfg.Transport.GCS.CredentialsPath != "" {
			if _, err := os.Stat(cfg.Transport.GCS.CredentialsPath); err != nil {
				result.CredentialsOK = false
				result.Errors = append(result.Errors, fmt.Sprintf("gcs credentials: %v", err))
			}
		}
	case "s3":
		if cfg.Transport.S3 != nil && cfg.Transport.S3.AccessKey == "" {
			result.Warnings = append(result.Warnings,
				"no S3 access key configured; falling back to the default AWS credential chain")
		}
	}
}

func checkReadableDir(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", path)
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Readdirnames(1)
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func checkWritableDir(path string, create bool) error {
	if create {
		if err := os.MkdirAll(path, 0o750); err != nil {
			return err
		}
	}
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", path)
	}

	scratch, err := os.CreateTemp(path, ".preflight-*")
	if err != nil {
		return fmt.Errorf("insufficient write permissions: %w", err)
	}
	name := scratch.Name()
	scratch.Close()
	return os.Remove(filepath.Clean(name))
}
