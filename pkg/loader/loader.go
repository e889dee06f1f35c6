// Package loader turns an on-disk TOML manifest into a resolved application:
// content references verified by digest, component files staged into a
// working directory, and every section validated before the runtime sees it.
package loader

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"

	"github.com/spindle-run/spindle/pkg/app"
	"github.com/spindle-run/spindle/pkg/telemetry"
)

// Loader resolves manifests against a working directory. The working
// directory receives the content-addressed cache and staged component
// assets.
type Loader struct {
	workDir      string
	disableCache bool
	validate     *validator.Validate
	logger       *telemetry.Logger
}

// Option configures a Loader.
type Option func(*Loader)

// WithoutCache disables the content-addressed cache; content is read from
// its original location on every resolve.
func WithoutCache() Option {
	return func(l *Loader) { l.disableCache = true }
}

// New creates a loader rooted at workDir.
func New(workDir string, logger *telemetry.Logger, opts ...Option) *Loader {
	l := &Loader{
		workDir:  workDir,
		validate: validator.New(),
		logger:   logger,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// AssetsRoot is the directory component files are staged under, one
// subdirectory per component ID.
func (l *Loader) AssetsRoot() string {
	return filepath.Join(l.workDir, "assets")
}

// LoadFile reads and resolves a manifest file. Relative content paths in the
// manifest resolve against the manifest's directory.
func (l *Loader) LoadFile(ctx context.Context, manifestPath string) (*app.App, error) {
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	return l.Load(ctx, data, filepath.Dir(manifestPath))
}

// Load resolves a manifest document. baseDir anchors relative content paths.
func (l *Loader) Load(ctx context.Context, data []byte, baseDir string) (*app.App, error) {
	var manifest Manifest
	dec := toml.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&manifest); err != nil {
		return nil, fmt.Errorf("malformed manifest: %w", err)
	}
	if err := l.validate.Struct(&manifest); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}

	locked := &app.LockedApp{
		Metadata: applicationMetadata(manifest.Application),
	}

	variables, err := lockedVariables(manifest.Variables)
	if err != nil {
		return nil, err
	}
	locked.Variables = variables

	ids := make([]string, 0, len(manifest.Components))
	for id := range manifest.Components {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		section := manifest.Components[id]
		component, err := l.resolveComponent(ctx, id, &section, baseDir)
		if err != nil {
			return nil, fmt.Errorf("component %q: %w", id, err)
		}
		locked.Components = append(locked.Components, *component)
	}

	triggers, err := lockedTriggers(&manifest.Trigger)
	if err != nil {
		return nil, err
	}
	locked.Triggers = triggers

	resolved, err := app.FromLocked(locked)
	if err != nil {
		return nil, err
	}
	l.logger.Debugf("resolved application %q: %d components, %d triggers",
		manifest.Application.Name, len(locked.Components), len(locked.Triggers))
	return resolved, nil
}

// WasmBytes resolves a component's source reference to its module bytes,
// verifying the digest.
func (l *Loader) WasmBytes(_ context.Context, c *app.Component) ([]byte, error) {
	if len(c.Source.Inline) > 0 {
		return c.Source.Inline, nil
	}
	if c.Source.Source == "" {
		return nil, fmt.Errorf("component %q has no resolvable source", c.ID)
	}
	data, err := os.ReadFile(c.Source.Source)
	if err != nil {
		return nil, fmt.Errorf("component %q source: %w", c.ID, err)
	}
	if err := verifyDigest(c.Source.Digest, data); err != nil {
		return nil, fmt.Errorf("component %q: %w", c.ID, err)
	}
	return data, nil
}

func (l *Loader) resolveComponent(ctx context.Context, id string, section *ComponentSection, baseDir string) (*app.Component, error) {
	source, err := normalizeContentSource(section.Source)
	if err != nil {
		return nil, fmt.Errorf("source: %w", err)
	}
	sourceRef, err := l.resolveContent(source, baseDir)
	if err != nil {
		return nil, fmt.Errorf("source: %w", err)
	}
	sourceRef.ContentType = "application/wasm"

	component := &app.Component{
		ID:     id,
		Source: *sourceRef,
		Env:    section.Environment,
		Config: section.Config,
	}

	for i, raw := range section.Files {
		mount, err := normalizeFileMount(raw)
		if err != nil {
			return nil, fmt.Errorf("files[%d]: %w", i, err)
		}
		staged, err := l.stageFile(id, mount, baseDir)
		if err != nil {
			return nil, fmt.Errorf("files[%d]: %w", i, err)
		}
		component.Files = append(component.Files, *staged)
	}

	metadata, err := componentMetadata(section)
	if err != nil {
		return nil, err
	}
	component.Metadata = metadata
	return component, nil
}

// resolveContent reads content, verifies any declared digest, and parks the
// bytes in the content-addressed cache.
func (l *Loader) resolveContent(source *contentSource, baseDir string) (*app.ContentRef, error) {
	if len(source.Inline) > 0 {
		digest := digestOf(source.Inline)
		if source.Digest != "" && source.Digest != digest {
			return nil, fmt.Errorf("digest mismatch: declared %s, content is %s", source.Digest, digest)
		}
		return &app.ContentRef{ContentType: source.ContentType, Digest: digest, Inline: source.Inline}, nil
	}

	hostPath := source.Path
	if !filepath.IsAbs(hostPath) {
		hostPath = filepath.Join(baseDir, hostPath)
	}
	data, err := os.ReadFile(hostPath)
	if err != nil {
		return nil, err
	}
	digest := digestOf(data)
	if source.Digest != "" && source.Digest != digest {
		return nil, fmt.Errorf("digest mismatch for %s: declared %s, content is %s", source.Path, source.Digest, digest)
	}

	ref := &app.ContentRef{ContentType: source.ContentType, Digest: digest, Source: hostPath}
	if !l.disableCache {
		cached, err := l.cacheContent(digest, data)
		if err != nil {
			return nil, err
		}
		ref.Source = cached
	}
	return ref, nil
}

// cacheContent writes data to the cache keyed by digest. Writes go to a
// temporary file first so a concurrent loader never observes partial
// content.
func (l *Loader) cacheContent(digest string, data []byte) (string, error) {
	sum := strings.TrimPrefix(digest, "sha256:")
	dir := filepath.Join(l.workDir, "cache", "sha256")
	target := filepath.Join(dir, sum)
	if _, err := os.Stat(target); err == nil {
		return target, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	if err := writeFileAtomic(target, data); err != nil {
		return "", err
	}
	return target, nil
}

// stageFile materialises one mounted file under the component's asset
// directory at its guest path.
func (l *Loader) stageFile(componentID string, mount *fileMount, baseDir string) (*app.MountedFile, error) {
	guestPath := path.Clean(mount.GuestPath)
	if guestPath == "." || guestPath == ".." || path.IsAbs(guestPath) || strings.HasPrefix(guestPath, "../") {
		return nil, fmt.Errorf("invalid guest path %q", mount.GuestPath)
	}

	hostPath := mount.Content.Path
	if !filepath.IsAbs(hostPath) {
		hostPath = filepath.Join(baseDir, hostPath)
	}
	data, err := os.ReadFile(hostPath)
	if err != nil {
		return nil, err
	}
	digest := digestOf(data)
	if mount.Content.Digest != "" && mount.Content.Digest != digest {
		return nil, fmt.Errorf("digest mismatch for %s", mount.Content.Path)
	}

	staged := filepath.Join(l.AssetsRoot(), componentID, filepath.FromSlash(guestPath))
	if err := os.MkdirAll(filepath.Dir(staged), 0o755); err != nil {
		return nil, err
	}
	if err := writeFileAtomic(staged, data); err != nil {
		return nil, err
	}
	return &app.MountedFile{
		Content:   app.ContentRef{Digest: digest, Source: staged},
		GuestPath: guestPath,
	}, nil
}

func applicationMetadata(section ApplicationSection) map[string]json.RawMessage {
	basePath := section.BasePath
	if basePath == "" {
		basePath = "/"
	}
	metadata := map[string]json.RawMessage{
		"name":      mustJSON(section.Name),
		"base_path": mustJSON(basePath),
	}
	if section.Version != "" {
		metadata["version"] = mustJSON(section.Version)
	}
	if section.Description != "" {
		metadata["description"] = mustJSON(section.Description)
	}
	return metadata
}

func lockedVariables(sections map[string]VariableSection) (map[string]app.LockedVariable, error) {
	if len(sections) == 0 {
		return nil, nil
	}
	variables := make(map[string]app.LockedVariable, len(sections))
	for name, section := range sections {
		if section.Required && section.Default != nil {
			return nil, fmt.Errorf("variable %q is required but also has a default", name)
		}
		if !section.Required && section.Default == nil {
			return nil, fmt.Errorf("variable %q needs a default or required = true", name)
		}
		variables[name] = app.LockedVariable{Default: section.Default, Secret: section.Secret}
	}
	return variables, nil
}

func lockedTriggers(section *TriggerSection) ([]app.Trigger, error) {
	var triggers []app.Trigger
	for i, t := range section.HTTP {
		id := t.ID
		if id == "" {
			id = fmt.Sprintf("http-%d", i)
		}
		executor := t.Executor
		if executor == "" {
			executor = "http"
		}
		cfg, err := json.Marshal(map[string]string{"route": t.Route, "executor": executor})
		if err != nil {
			return nil, err
		}
		triggers = append(triggers, app.Trigger{ID: id, Type: "http", ComponentID: t.Component, Config: cfg})
	}
	for i, t := range section.Redis {
		id := t.ID
		if id == "" {
			id = fmt.Sprintf("redis-%d", i)
		}
		cfg, err := json.Marshal(map[string]string{"address": t.Address, "channel": t.Channel})
		if err != nil {
			return nil, err
		}
		triggers = append(triggers, app.Trigger{ID: id, Type: "redis", ComponentID: t.Component, Config: cfg})
	}
	return triggers, nil
}

func componentMetadata(section *ComponentSection) (map[string]json.RawMessage, error) {
	metadata := make(map[string]json.RawMessage)
	put := func(key string, values []string) error {
		if values == nil {
			return nil
		}
		raw, err := json.Marshal(values)
		if err != nil {
			return err
		}
		metadata[key] = raw
		return nil
	}
	if err := put("allowed_outbound_hosts", section.AllowedOutboundHosts); err != nil {
		return nil, err
	}
	if err := put("allowed_http_hosts", section.AllowedHTTPHosts); err != nil {
		return nil, err
	}
	if err := put("key_value_stores", section.KeyValueStores); err != nil {
		return nil, err
	}
	if err := put("sqlite_databases", section.SQLiteDatabases); err != nil {
		return nil, err
	}
	if err := put("ai_models", section.AIModels); err != nil {
		return nil, err
	}
	if len(metadata) == 0 {
		return nil, nil
	}
	return metadata, nil
}

func digestOf(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

func verifyDigest(digest string, data []byte) error {
	if digest == "" {
		return nil
	}
	if actual := digestOf(data); actual != digest {
		return fmt.Errorf("digest mismatch: expected %s, content is %s", digest, actual)
	}
	return nil
}

func writeFileAtomic(target string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(target), ".staging-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), target)
}

func mustJSON(v interface{}) json.RawMessage {
	raw, _ := json.Marshal(v)
	return raw
}
