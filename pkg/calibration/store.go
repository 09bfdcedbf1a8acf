package calibration

import (
	"bufio"
	"bytes"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Store persists the two calibration numbers.
type Store interface {
	Save(offset, scale float64) error
	// Load returns an error wrapping os.ErrNotExist when no record exists and
	// ErrCorruptCalibration when the record is unusable.
	Load() (offset, scale float64, err error)
}

var _ Store = &FileStore{}

// FileStore keeps the record as a text file: offset on the first line, scale
// on the second.
type FileStore struct {
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) Save(offset, scale float64) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return pkgerrors.Wrapf(err, "failed to create directory %s", dir)
	}

	var buf bytes.Buffer
	buf.WriteString(strconv.FormatFloat(offset, 'g', -1, 64))
	buf.WriteByte('\n')
	buf.WriteString(strconv.FormatFloat(scale, 'g', -1, 64))
	buf.WriteByte('\n')

	tmp, err := os.CreateTemp(dir, ".calibration-*")
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to create temp file in %s", dir)
	}
	tmpName := tmp.Name()
	defer func() {
		// No-op after a successful rename.
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		_ = tmp.Close()
		return pkgerrors.Wrapf(err, "failed to write %s", tmpName)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return pkgerrors.Wrapf(err, "failed to sync %s", tmpName)
	}
	if err := tmp.Close(); err != nil {
		return pkgerrors.Wrapf(err, "failed to close %s", tmpName)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return pkgerrors.Wrapf(err, "failed to move calibration record to %s", s.path)
	}

	logrus.WithField("path", s.path).Debug("calibration record saved")
	return nil
}

func (s *FileStore) Load() (float64, float64, error) {
	b, err := os.ReadFile(s.path)
	if err != nil {
		return 0, 0, pkgerrors.Wrapf(err, "failed to read calibration record %s", s.path)
	}

	offset, scale, err := parseRecord(b)
	if err != nil {
		logrus.WithField("path", s.path).WithError(err).Warn("rejecting calibration record")
		return 0, 0, ErrCorruptCalibration
	}
	return offset, scale, nil
}

// parseRecord accepts exactly two numeric lines. Blank lines are ignored.
func parseRecord(b []byte) (float64, float64, error) {
	var fields []string
	sc := bufio.NewScanner(bytes.NewReader(b))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		fields = append(fields, line)
	}
	if err := sc.Err(); err != nil {
		return 0, 0, err
	}
	if len(fields) != 2 {
		return 0, 0, pkgerrors.Errorf("expected 2 fields, got %d", len(fields))
	}

	offset, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, 0, pkgerrors.Wrap(err, "invalid offset")
	}
	scale, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return 0, 0, pkgerrors.Wrap(err, "invalid scale")
	}
	if !validScale(scale) {
		return 0, 0, pkgerrors.Errorf("invalid scale %v", scale)
	}

	return offset, scale, nil
}
