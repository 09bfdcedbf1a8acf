package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	pkgerrors "github.com/pkg/errors"

	"github.com/pawsense/feeder/pkg/records"
)

// File writes one JSON document per record into Dir.
type File struct {
	Dir string
}

func NewFile(dir string) *File {
	return &File{Dir: dir}
}

func (f *File) Publish(_ context.Context, rec records.Intake) error {
	if err := os.MkdirAll(f.Dir, 0o755); err != nil {
		return pkgerrors.Wrapf(err, "failed to create intake directory %s", f.Dir)
	}

	b, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return pkgerrors.Wrap(err, "failed to marshal intake record")
	}

	name := f.uniqueName(rec)
	tmp := name + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return pkgerrors.Wrapf(err, "failed to write intake record %s", tmp)
	}
	if err := os.Rename(tmp, name); err != nil {
		_ = os.Remove(tmp)
		return pkgerrors.Wrapf(err, "failed to commit intake record %s", name)
	}
	return nil
}

// uniqueName derives the file name from the record datetime, adding a
// counter if two events share the same second.
func (f *File) uniqueName(rec records.Intake) string {
	base := strings.NewReplacer(":", "", "-", "").Replace(rec.Datetime)
	name := filepath.Join(f.Dir, base+".json")
	for i := 1; ; i++ {
		if _, err := os.Stat(name); os.IsNotExist(err) {
			return name
		}
		name = filepath.Join(f.Dir, fmt.Sprintf("%s-%d.json", base, i))
	}
}

func (f *File) Close() error { return nil }

func (f *File) Name() string { return "file" }
