// Package delivery mirrors finalized export directories to object
// storage. Mirroring is best-effort by contract: the local rename is
// the publication event, a failed mirror never unpublishes a run.
package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/peyvand-edu/sabt-core/pkg/export"
)

// Uploader pushes one named object to a remote bucket.
type Uploader interface {
	Upload(ctx context.Context, name string, data []byte) error
}

// Mirror uploads every manifest-listed file plus the manifest itself,
// in on-disk order.
func Mirror(ctx context.Context, up Uploader, dir string, m *export.Manifest, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	names := append([]string{}, m.Metadata.FilesOrder...)
	names = append(names, export.ManifestName)
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return fmt.Errorf("mirror read %s: %w", name, err)
		}
		if err := up.Upload(ctx, name, data); err != nil {
			return fmt.Errorf("mirror upload %s: %w", name, err)
		}
		log.DebugContext(ctx, "mirrored export file", "name", name, "bytes", len(data))
	}
	return nil
}

// ContentType maps an export file name to its MIME type.
func ContentType(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".csv":
		return "text/csv; charset=utf-8"
	case ".xlsx":
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	case ".json":
		return "application/json"
	default:
		return "application/octet-stream"
	}
}

// Memory collects uploads in-process; tests and the doctor command use
// it in place of a real bucket.
type Memory struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{objects: make(map[string][]byte)}
}

func (m *Memory) Upload(_ context.Context, name string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[name] = append([]byte(nil), data...)
	return nil
}

// Object returns a stored object's bytes.
func (m *Memory) Object(name string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[name]
	return data, ok
}

// Names lists stored object names, sorted.
func (m *Memory) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.objects))
	for name := range m.objects {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
