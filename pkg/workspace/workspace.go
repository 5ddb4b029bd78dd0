// Package workspace manages the two workspace lifecycles: ephemeral worker-local clones (full/minimal/none init modes,
// git identity configuration, artifact upload) and persistent
// storage-access-point-backed workspaces owned per (tenant, workspace).
package workspace

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/zeroechelon/outpost-dispatcher/internal/objectstore"
	"github.com/zeroechelon/outpost-dispatcher/internal/obslog"
	"github.com/zeroechelon/outpost-dispatcher/pkg/apierrors"
	"github.com/zeroechelon/outpost-dispatcher/pkg/types"
)

const scratchRoot = "/workspace"

var sparseCheckoutPatterns = []string{
	"*.md", "*.json", "*.yaml", "*.yml", "src/",
	"package.json", "package-lock.json", "tsconfig.json",
	".gitignore", "README.md", "LICENSE",
}

var excludedDirs = map[string]bool{
	".git": true, "node_modules": true, "__pycache__": true, ".venv": true, "venv": true,
}

const maxArtifactBytes = 1 << 30 // 1 GiB

var unsafeIdentityChars = regexp.MustCompile(`[^a-zA-Z0-9_.-]`)

// EphemeralConfig is the input to CreateEphemeralWorkspace.
type EphemeralConfig struct {
	DispatchID string
	UserID     string
	RepoURL    string
	Branch     string
	InitMode   types.WorkspaceInitMode
	// Root overrides scratchRoot; tests use this to avoid writing under
	// the real /workspace mount.
	Root string
}

// EphemeralWorkspace is the result of CreateEphemeralWorkspace.
type EphemeralWorkspace struct {
	Path string
}

// Service manages ephemeral clone/init and persistent access-point
// lifecycles.
type Service struct {
	store objectstore.Store
}

// New creates a Service backed by store for artifact upload.
func New(store objectstore.Store) *Service {
	return &Service{store: store}
}

// CreateEphemeralWorkspace ensures the scratch directory, optionally
// clones a repo per cfg.InitMode, and configures the worker's git
// identity.
func CreateEphemeralWorkspace(ctx context.Context, cfg EphemeralConfig) (EphemeralWorkspace, error) {
	root := cfg.Root
	if root == "" {
		root = scratchRoot
	}
	dir := filepath.Join(root, fmt.Sprintf("%s-%s", cfg.DispatchID, shortRandom()))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return EphemeralWorkspace{}, apierrors.NewWorkspace(cfg.DispatchID, err, "failed to create ephemeral workspace directory")
	}

	switch cfg.InitMode {
	case types.WorkspaceInitFull:
		if err := cloneFull(ctx, dir, cfg.RepoURL, cfg.Branch); err != nil {
			return EphemeralWorkspace{}, apierrors.NewWorkspace(cfg.DispatchID, err, "full clone failed")
		}
	case types.WorkspaceInitMinimal:
		if err := cloneMinimal(ctx, dir, cfg.RepoURL, cfg.Branch); err != nil {
			return EphemeralWorkspace{}, apierrors.NewWorkspace(cfg.DispatchID, err, "minimal clone failed")
		}
	case types.WorkspaceInitNone:
		if err := runGit(ctx, dir, "init"); err != nil {
			return EphemeralWorkspace{}, apierrors.NewWorkspace(cfg.DispatchID, err, "repo init failed")
		}
	}

	if err := configureIdentity(ctx, dir, cfg.UserID); err != nil {
		// Identity configuration is best-effort: logged, not surfaced.
		logger := obslog.WithComponent("workspace")
		logger.Warn().Err(err).Str("dispatchId", cfg.DispatchID).Msg("failed to configure git identity")
	}

	return EphemeralWorkspace{Path: dir}, nil
}

func cloneFull(ctx context.Context, dir, repoURL, branch string) error {
	args := []string{"clone", "--depth", "1"}
	if branch != "" {
		args = append(args, "--branch", branch)
	}
	args = append(args, repoURL, ".")
	return runGit(ctx, dir, args...)
}

// cloneMinimal initializes an empty repo, enables sparse checkout with
// the fixed pattern set, adds the remote, and shallow-fetches the
// requested branch (or HEAD) before checking it out.
func cloneMinimal(ctx context.Context, dir, repoURL, branch string) error {
	if err := runGit(ctx, dir, "init"); err != nil {
		return err
	}
	if err := runGit(ctx, dir, "sparse-checkout", "init", "--cone"); err != nil {
		return err
	}
	patternsPath := filepath.Join(dir, ".git", "info", "sparse-checkout")
	if err := os.WriteFile(patternsPath, []byte(strings.Join(sparseCheckoutPatterns, "\n")+"\n"), 0644); err != nil {
		return err
	}
	if err := runGit(ctx, dir, "remote", "add", "origin", repoURL); err != nil {
		return err
	}
	ref := branch
	if ref == "" {
		ref = "HEAD"
	}
	if err := runGit(ctx, dir, "fetch", "--depth", "1", "origin", ref); err != nil {
		return err
	}
	return runGit(ctx, dir, "checkout", "FETCH_HEAD")
}

// configureIdentity sets a deterministic git identity scoped to the
// dispatching user, sanitized to a safe identifier.
func configureIdentity(ctx context.Context, dir, userID string) error {
	sanitized := sanitizeIdentity(userID)
	name := fmt.Sprintf("Outpost Agent (%s)", sanitized)
	email := fmt.Sprintf("%s@outpost.zeroechelon.com", sanitized)
	if err := runGit(ctx, dir, "config", "user.name", name); err != nil {
		return err
	}
	return runGit(ctx, dir, "config", "user.email", email)
}

func sanitizeIdentity(s string) string {
	return unsafeIdentityChars.ReplaceAllString(s, "-")
}

func runGit(ctx context.Context, dir string, args ...string) error {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}

func shortRandom() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// UploadResult is the outcome of UploadArtifacts.
type UploadResult struct {
	FilesUploaded int
	BytesUploaded int64
	FilesSkipped  int
}

// UploadArtifacts walks workspacePath, excluding .git/node_modules/
// __pycache__/.venv/venv and any file over 1 GiB, uploading each
// remaining file to artifacts/{dispatchId}/{relativePath} in bucket.
func (s *Service) UploadArtifacts(ctx context.Context, bucket, dispatchID, workspacePath string) (UploadResult, error) {
	var result UploadResult

	err := filepath.WalkDir(workspacePath, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if excludedDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.Size() > maxArtifactBytes {
			result.FilesSkipped++
			return nil
		}

		rel, err := filepath.Rel(workspacePath, path)
		if err != nil {
			return err
		}
		body, err := os.ReadFile(path)
		if err != nil {
			return err
		}

		key := fmt.Sprintf("artifacts/%s/%s", dispatchID, filepath.ToSlash(rel))
		if err := s.store.Put(ctx, bucket, key, body, contentTypeFor(rel), nil); err != nil {
			return err
		}
		result.FilesUploaded++
		result.BytesUploaded += info.Size()
		return nil
	})
	if err != nil {
		return result, apierrors.NewWorkspace(dispatchID, err, "artifact upload failed")
	}
	return result, nil
}

func contentTypeFor(path string) string {
	switch filepath.Ext(path) {
	case ".json":
		return "application/json"
	case ".md":
		return "text/markdown"
	case ".yaml", ".yml":
		return "application/x-yaml"
	default:
		return "application/octet-stream"
	}
}

// PersistentConfig is the input to CreatePersistentWorkspace.
type PersistentConfig struct {
	UserID      string
	WorkspaceID string
	RepoURL     string
}

// AccessPoint is an external-storage access point rooted at
// /users/{sanitizedUserId}/{sanitizedWorkspaceId} with POSIX uid/gid
// 1000 and 0755 permissions.
type AccessPoint struct {
	AccessPointID string
	RootPath      string
	PosixUID      int
	PosixGID      int
	Permissions   os.FileMode
}

// AccessPointProvisioner is the abstract capability a persistent
// workspace uses to create and delete its backing storage access point.
// The object store interface has no native access-point concept,
// so this is modeled as its own narrow seam the caller wires to whatever
// storage backend is configured; a no-op/in-memory implementation is
// sufficient for tests.
type AccessPointProvisioner interface {
	CreateAccessPoint(ctx context.Context, rootPath string, uid, gid int, perm os.FileMode) (string, error)
	DeleteAccessPoint(ctx context.Context, accessPointID string) error
}

// CreatePersistentWorkspace provisions an access point rooted at
// /users/{sanitizedUserId}/{sanitizedWorkspaceId} and returns the
// workspace record to persist via the kv store's workspace table.
func CreatePersistentWorkspace(ctx context.Context, provisioner AccessPointProvisioner, cfg PersistentConfig) (types.WorkspaceRecord, error) {
	rootPath := fmt.Sprintf("/users/%s/%s", sanitizeIdentity(cfg.UserID), sanitizeIdentity(cfg.WorkspaceID))
	accessPointID, err := provisioner.CreateAccessPoint(ctx, rootPath, 1000, 1000, 0755)
	if err != nil {
		return types.WorkspaceRecord{}, apierrors.NewWorkspace(cfg.WorkspaceID, err, "failed to create access point")
	}

	now := time.Now()
	return types.WorkspaceRecord{
		UserID:         cfg.UserID,
		WorkspaceID:    cfg.WorkspaceID,
		AccessPointID:  accessPointID,
		CreatedAt:      now,
		LastAccessedAt: now,
		RepoURL:        cfg.RepoURL,
	}, nil
}

// DeleteWorkspace removes the access point. The underlying data is
// reclaimed out-of-band; this only tears down the access point and the
// caller's workspace record.
func DeleteWorkspace(ctx context.Context, provisioner AccessPointProvisioner, record types.WorkspaceRecord) error {
	if err := provisioner.DeleteAccessPoint(ctx, record.AccessPointID); err != nil {
		return apierrors.NewWorkspace(record.WorkspaceID, err, "failed to delete access point")
	}
	return nil
}
