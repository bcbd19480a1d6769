package hostfunc

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
)

const defaultMaxFileSize = 10 << 20

var (
	errPathRequired = errors.New("path required")
	errNotMounted   = errors.New("permission denied: path not in any mount")
	errReadOnly     = errors.New("permission denied: read-only mount")
	errEscape       = errors.New("permission denied: path escape attempt")
)

// Mount maps a guest-visible directory onto a host directory.
type Mount struct {
	VirtualPath string // as seen by the guest, e.g. "/packages"
	HostPath    string
	Writable    bool
}

// FS gives the guest access to a fixed set of mounts. Environment library
// directories are mounted read-only; a session workspace may be writable.
type FS struct {
	mounts      []Mount
	maxFileSize int64
}

// FSOption configures an FS.
type FSOption func(*FS)

// WithMaxFileSize caps reads and writes.
func WithMaxFileSize(n int64) FSOption {
	return func(f *FS) {
		if n > 0 {
			f.maxFileSize = n
		}
	}
}

// NewFS normalizes the mounts; entries whose host path cannot be made
// absolute are skipped.
func NewFS(mounts []Mount, opts ...FSOption) *FS {
	f := &FS{maxFileSize: defaultMaxFileSize}
	for _, opt := range opts {
		opt(f)
	}
	for _, m := range mounts {
		if m.HostPath == "" {
			continue
		}
		hp, err := filepath.Abs(m.HostPath)
		if err != nil {
			continue
		}
		f.mounts = append(f.mounts, Mount{
			VirtualPath: "/" + strings.Trim(m.VirtualPath, "/"),
			HostPath:    hp,
			Writable:    m.Writable,
		})
	}
	return f
}

// Mounts returns the normalized mounts.
func (f *FS) Mounts() []Mount {
	return append([]Mount(nil), f.mounts...)
}

// Register exposes the filesystem functions under the fs_ prefix.
func (f *FS) Register(r *Registry) {
	r.Register("fs_read", f.Read)
	r.Register("fs_write", f.Write)
	r.Register("fs_list", f.List)
	r.Register("fs_exists", f.Exists)
	r.Register("fs_stat", f.Stat)
}

func (f *FS) resolve(virtualPath string, needWrite bool) (string, error) {
	vp := filepath.Clean("/" + strings.TrimPrefix(virtualPath, "/"))
	for _, m := range f.mounts {
		if vp != m.VirtualPath && !strings.HasPrefix(vp, m.VirtualPath+"/") {
			continue
		}
		if needWrite && !m.Writable {
			return "", errReadOnly
		}
		hostPath := filepath.Join(m.HostPath, strings.TrimPrefix(vp, m.VirtualPath))
		if hostPath != m.HostPath && !strings.HasPrefix(hostPath, m.HostPath+string(filepath.Separator)) {
			return "", errEscape
		}
		return hostPath, nil
	}
	return "", errNotMounted
}

func pathArg(args map[string]any) (string, error) {
	path, ok := args["path"].(string)
	if !ok || path == "" {
		return "", errPathRequired
	}
	return path, nil
}

// Read returns a file's contents as a string.
func (f *FS) Read(ctx context.Context, args map[string]any) (any, error) {
	path, err := pathArg(args)
	if err != nil {
		return nil, err
	}
	hostPath, err := f.resolve(path, false)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(hostPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.New("file not found: " + path)
		}
		return nil, err
	}
	if info.Size() > f.maxFileSize {
		return nil, errors.New("file too large: " + path)
	}
	data, err := os.ReadFile(hostPath)
	if err != nil {
		return nil, errors.New("read error: " + err.Error())
	}
	return string(data), nil
}

// Write replaces a file's contents inside a writable mount.
func (f *FS) Write(ctx context.Context, args map[string]any) (any, error) {
	path, err := pathArg(args)
	if err != nil {
		return nil, err
	}
	content, ok := args["content"].(string)
	if !ok {
		return nil, errors.New("content required")
	}
	if int64(len(content)) > f.maxFileSize {
		return nil, errors.New("content too large")
	}
	hostPath, err := f.resolve(path, true)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(hostPath), 0o755); err != nil {
		return nil, errors.New("write error: " + err.Error())
	}
	if err := os.WriteFile(hostPath, []byte(content), 0o644); err != nil {
		return nil, errors.New("write error: " + err.Error())
	}
	return "ok", nil
}

// List returns the entries of a directory.
func (f *FS) List(ctx context.Context, args map[string]any) (any, error) {
	path, err := pathArg(args)
	if err != nil {
		return nil, err
	}
	hostPath, err := f.resolve(path, false)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(hostPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.New("directory not found: " + path)
		}
		return nil, errors.New("list error: " + err.Error())
	}
	result := make([]map[string]any, 0, len(entries))
	for _, entry := range entries {
		item := map[string]any{"name": entry.Name(), "is_dir": entry.IsDir()}
		if info, err := entry.Info(); err == nil {
			item["size"] = info.Size()
		}
		result = append(result, item)
	}
	return result, nil
}

// Exists reports whether a path exists. Unmounted paths do not exist.
func (f *FS) Exists(ctx context.Context, args map[string]any) (any, error) {
	path, err := pathArg(args)
	if err != nil {
		return nil, err
	}
	hostPath, err := f.resolve(path, false)
	if err != nil {
		return false, nil
	}
	_, err = os.Stat(hostPath)
	return err == nil, nil
}

// Stat describes a file or directory.
func (f *FS) Stat(ctx context.Context, args map[string]any) (any, error) {
	path, err := pathArg(args)
	if err != nil {
		return nil, err
	}
	hostPath, err := f.resolve(path, false)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(hostPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.New("file not found: " + path)
		}
		return nil, errors.New("stat error: " + err.Error())
	}
	return map[string]any{
		"name":     info.Name(),
		"size":     info.Size(),
		"is_dir":   info.IsDir(),
		"mod_time": info.ModTime().Unix(),
	}, nil
}
