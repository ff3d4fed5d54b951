// Package ondisk implements the two per-shard files §6 pins as the
// system's persistent state: the latest installed View and the most
// recently approved RaggedTrim. Persistent object logs themselves are the
// external persistence backend's concern (§6), not this package's.
package ondisk

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dsrocha/derecho/pkg/derecho/types"
	"github.com/dsrocha/derecho/pkg/derecho/view"
)

// ViewPath is where the latest installed View is stored.
func ViewPath(dir string) string {
	return filepath.Join(dir, "view")
}

// RaggedTrimPath is where the most recently approved trim for a
// (subgroup, shard) pair is stored.
func RaggedTrimPath(dir string, sg types.SubgroupID, shard int) string {
	return filepath.Join(dir, fmt.Sprintf("ragged_trim_%d_%d", sg, shard))
}

// SaveView atomically writes a view snapshot to dir/view.
func SaveView(dir string, s view.Snapshot) error {
	return writeGob(ViewPath(dir), s)
}

// LoadView reads dir/view, returning (nil, nil) if no view was ever
// persisted: cold start with no on-disk state is not an error, it is the
// signal that the group should bootstrap fresh (§4.6's converse).
func LoadView(dir string) (*view.Snapshot, error) {
	path := ViewPath(dir)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	}
	var s view.Snapshot
	if err := readGob(path, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// SaveRaggedTrim atomically writes the trim for a (subgroup, shard).
func SaveRaggedTrim(dir string, trim types.RaggedTrim) error {
	return writeGob(RaggedTrimPath(dir, trim.SubgroupID, trim.Shard), trim)
}

// LoadRaggedTrim reads the trim previously saved for (subgroup, shard),
// returning (nil, nil) if none exists yet.
func LoadRaggedTrim(dir string, sg types.SubgroupID, shard int) (*types.RaggedTrim, error) {
	path := RaggedTrimPath(dir, sg, shard)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	}
	var trim types.RaggedTrim
	if err := readGob(path, &trim); err != nil {
		return nil, err
	}
	return &trim, nil
}

func writeGob(path string, v interface{}) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func readGob(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}
