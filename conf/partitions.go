// Copyright 2024 Northern.tech AS
//
//    Licensed under the Apache License, Version 2.0 (the "License");
//    you may not use this file except in compliance with the License.
//    You may obtain a copy of the License at
//
//        http://www.apache.org/licenses/LICENSE-2.0
//
//    Unless required by applicable law or agreed to in writing, software
//    distributed under the License is distributed on an "AS IS" BASIS,
//    WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//    See the License for the specific language governing permissions and
//    limitations under the License.

package conf

import (
	"bufio"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Partition is one entry of the partition table: a text manifest listing
// partitions by name with their size in PEBs.
type Partition struct {
	Name    string
	SizePeb uint32
}

// PartitionTable is the parsed manifest, indexed by partition number
// (its line order) and name.
type PartitionTable struct {
	Partitions []Partition
	byName     map[string]int
}

// ByName looks up a partition's index by name; ok is false if absent.
func (t *PartitionTable) ByName(name string) (int, bool) {
	idx, ok := t.byName[name]
	return idx, ok
}

// StagingPartition returns the index of the partition named
// stagingVolumeName, normally "swifota".
func (t *PartitionTable) StagingPartition(stagingVolumeName string) (int, bool) {
	return t.ByName(stagingVolumeName)
}

// LoadPartitionTable reads and parses the manifest at path.
func LoadPartitionTable(path string) (*PartitionTable, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "conf: open partition table")
	}
	defer f.Close()
	return ParsePartitionTable(f)
}

// ParsePartitionTable parses a manifest of "name size" lines, one
// partition per line, blank lines and lines starting with '#' ignored.
func ParsePartitionTable(r io.Reader) (*PartitionTable, error) {
	t := &PartitionTable{byName: map[string]int{}}
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return nil, errors.Errorf("conf: partition table line %d: expected \"name size\"", lineNo)
		}
		size, err := strconv.ParseUint(fields[1], 10, 32)
		if err != nil {
			return nil, errors.Wrapf(err, "conf: partition table line %d: bad size", lineNo)
		}
		name := fields[0]
		if _, dup := t.byName[name]; dup {
			return nil, errors.Errorf("conf: partition table line %d: duplicate partition %q", lineNo, name)
		}
		t.byName[name] = len(t.Partitions)
		t.Partitions = append(t.Partitions, Partition{Name: name, SizePeb: uint32(size)})
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "conf: read partition table")
	}
	return t, nil
}
