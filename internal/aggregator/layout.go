package aggregator

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/livinlefevreloca/gliderdac/internal/db"
)

var (
	// ErrConflict is returned when another writer committed a version first
	ErrConflict = errors.New("aggregator: dataset changed concurrently")

	// ErrLayoutCorrupt is returned when the on-disk tree disagrees with the
	// dataset index in a way that cannot be repaired automatically
	ErrLayoutCorrupt = errors.New("aggregator: dataset layout corrupt")
)

const (
	versionsDir = "versions"
	currentLink = "current"
)

// Layout owns the on-disk dataset tree and its index rows. Every version is
// built in a staging directory and becomes visible through an atomic swap of
// the deployment's current symlink, committed together with the index row.
//
//	<root>/<deployment>/current -> versions/<version>
//	<root>/<deployment>/versions/<version>/{manifest.json, *.nc}
type Layout struct {
	root    string
	keep    int
	db      *db.DB
	storage Storage
	logger  *slog.Logger
}

// NewLayout creates a layout rooted at root, retaining keep versions per deployment
func NewLayout(root string, keep int, database *db.DB, storage Storage, logger *slog.Logger) *Layout {
	if storage == nil {
		storage = OSStorage{}
	}
	if keep < 1 {
		keep = 1
	}
	return &Layout{
		root:    root,
		keep:    keep,
		db:      database,
		storage: storage,
		logger:  logger,
	}
}

// DeploymentDir returns the directory holding a deployment's versions
func (l *Layout) DeploymentDir(deploymentID string) string {
	return filepath.Join(l.root, deploymentID)
}

// CurrentPath returns the path serving systems read a deployment from
func (l *Layout) CurrentPath(deploymentID string) string {
	return filepath.Join(l.DeploymentDir(deploymentID), currentLink)
}

// VersionDir returns the directory of one committed version
func (l *Layout) VersionDir(deploymentID, version string) string {
	return filepath.Join(l.DeploymentDir(deploymentID), versionsDir, version)
}

// ProfilePath returns the location of a profile within a version
func (l *Layout) ProfilePath(deploymentID, version string, p Profile) string {
	return filepath.Join(l.VersionDir(deploymentID, version), p.File)
}

// ReadProfile reads a profile file of a committed version
func (l *Layout) ReadProfile(deploymentID, version string, p Profile) ([]byte, error) {
	return l.storage.ReadFile(l.ProfilePath(deploymentID, version, p))
}

// Put writes a file into a staging directory
func (l *Layout) Put(dir, name string, data []byte) error {
	return l.storage.WriteFile(filepath.Join(dir, name), data)
}

// Carry places a profile of an existing version into a staging directory
func (l *Layout) Carry(deploymentID, version string, p Profile, dir string) error {
	return l.storage.Link(l.ProfilePath(deploymentID, version, p), filepath.Join(dir, p.File))
}

// CurrentVersion returns the version the current symlink points at, or ""
// when the deployment has no published version
func (l *Layout) CurrentVersion(deploymentID string) (string, error) {
	target, err := l.storage.Readlink(l.CurrentPath(deploymentID))
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrLayoutCorrupt, l.CurrentPath(deploymentID), err)
	}
	return filepath.Base(target), nil
}

// Load returns the committed index row and manifest for a deployment. A
// deployment with no dataset yet yields a nil row and an empty manifest.
func (l *Layout) Load(ctx context.Context, deploymentID string) (*db.Dataset, *Manifest, error) {
	ds, err := l.db.GetDataset(ctx, deploymentID)
	if db.IsNotFound(err) {
		return nil, &Manifest{DeploymentID: deploymentID}, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read dataset index: %w", err)
	}

	m, err := l.ReadManifest(deploymentID, ds.CurrentVersion)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: version %s of %s: %v", ErrLayoutCorrupt, ds.CurrentVersion, deploymentID, err)
	}
	return ds, m, nil
}

// ReadManifest reads the manifest of one version
func (l *Layout) ReadManifest(deploymentID, version string) (*Manifest, error) {
	data, err := l.storage.ReadFile(filepath.Join(l.VersionDir(deploymentID, version), ManifestFile))
	if err != nil {
		return nil, err
	}
	m, err := decodeManifest(data)
	if err != nil {
		return nil, err
	}
	if m.Version != version || m.DeploymentID != deploymentID {
		return nil, fmt.Errorf("manifest names %s/%s", m.DeploymentID, m.Version)
	}
	return m, nil
}

// NewVersion names a fresh version for a generation
func NewVersion(generation int64) string {
	return fmt.Sprintf("g%08d-%s", generation, uuid.NewString()[:8])
}

// Stage builds version m.Version in a staging directory using fill, writes
// the manifest, and moves the result under versions/. Nothing is visible to
// readers until Commit.
func (l *Layout) Stage(m *Manifest, fill func(dir string) error) error {
	versions := filepath.Join(l.DeploymentDir(m.DeploymentID), versionsDir)
	staging := filepath.Join(versions, "."+m.Version+".staging")

	if err := l.storage.MkdirAll(staging); err != nil {
		return fmt.Errorf("failed to create staging directory: %w", err)
	}

	err := func() error {
		if err := fill(staging); err != nil {
			return err
		}
		data, err := m.encode()
		if err != nil {
			return fmt.Errorf("failed to encode manifest: %w", err)
		}
		if err := l.storage.WriteFile(filepath.Join(staging, ManifestFile), data); err != nil {
			return fmt.Errorf("failed to write manifest: %w", err)
		}
		return l.storage.Rename(staging, l.VersionDir(m.DeploymentID, m.Version))
	}()
	if err != nil {
		if rmErr := l.storage.RemoveAll(staging); rmErr != nil {
			l.logger.Warn("failed to remove staging directory", "path", staging, "error", rmErr)
		}
		return err
	}
	return nil
}

// Commit makes ds.CurrentVersion the deployment's current version if the
// index still names baseVersion. The index update and the symlink swap
// happen in one transaction; a lost race returns ErrConflict and discards the
// staged version.
func (l *Layout) Commit(ctx context.Context, ds *db.Dataset, baseVersion string) error {
	dep := ds.DeploymentID
	ds.Path = l.CurrentPath(dep)

	err := l.db.WithTransaction(ctx, func(tx *db.Tx) error {
		if err := tx.CommitDataset(ctx, ds, baseVersion); err != nil {
			return err
		}
		return l.swap(dep, ds.CurrentVersion)
	})
	if err == nil {
		l.prune(dep, ds.CurrentVersion)
		return nil
	}

	l.Discard(dep, ds.CurrentVersion)
	if db.IsConflict(err) {
		return ErrConflict
	}
	if baseVersion != "" && !errors.Is(err, ErrLayoutCorrupt) {
		// The swap may have landed before the transaction failed
		if swapErr := l.swap(dep, baseVersion); swapErr != nil {
			l.logger.Error("failed to restore current version", "deployment_id", dep, "version", baseVersion, "error", swapErr)
		}
	}
	return err
}

// swap points the current symlink at version by renaming a fresh link over it
func (l *Layout) swap(deploymentID, version string) error {
	current := l.CurrentPath(deploymentID)
	if _, err := l.storage.Readlink(current); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s is not a symlink: %v", ErrLayoutCorrupt, current, err)
	}

	tmp := filepath.Join(l.DeploymentDir(deploymentID), "."+currentLink+".tmp")
	if err := l.storage.RemoveAll(tmp); err != nil {
		return err
	}
	if err := l.storage.Symlink(filepath.Join(versionsDir, version), tmp); err != nil {
		return fmt.Errorf("failed to create version link: %w", err)
	}
	if err := l.storage.Rename(tmp, current); err != nil {
		return fmt.Errorf("failed to swap current version: %w", err)
	}
	return nil
}

// Discard removes an uncommitted version
func (l *Layout) Discard(deploymentID, version string) {
	if err := l.storage.RemoveAll(l.VersionDir(deploymentID, version)); err != nil {
		l.logger.Warn("failed to discard version", "deployment_id", deploymentID, "version", version, "error", err)
	}
}

// prune removes committed versions beyond the retention count. Staging
// directories belong to in-flight writers and are left alone.
func (l *Layout) prune(deploymentID, current string) {
	entries, err := l.storage.ReadDir(filepath.Join(l.DeploymentDir(deploymentID), versionsDir))
	if err != nil {
		l.logger.Warn("failed to list versions", "deployment_id", deploymentID, "error", err)
		return
	}

	type version struct {
		name    string
		modTime time.Time
	}
	var old []version
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") || e.Name() == current {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		old = append(old, version{name: e.Name(), modTime: info.ModTime()})
	}

	sort.Slice(old, func(i, j int) bool {
		if !old[i].modTime.Equal(old[j].modTime) {
			return old[i].modTime.After(old[j].modTime)
		}
		return old[i].name > old[j].name
	})

	for i := l.keep - 1; i < len(old); i++ {
		l.Discard(deploymentID, old[i].name)
		versionsPruned.Inc()
	}
}

// Remove deletes a deployment's whole tree
func (l *Layout) Remove(deploymentID string) error {
	if err := l.storage.RemoveAll(l.DeploymentDir(deploymentID)); err != nil {
		return fmt.Errorf("failed to remove dataset tree: %w", err)
	}
	return nil
}
