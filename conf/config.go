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

// Package conf loads swifota's JSON configuration document via
// encoding/json plus io/ioutil, falling back to compiled defaults
// (logged, not fatal) when the file is missing.
package conf

import (
	"encoding/json"
	"io/ioutil"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Config is the loaded configuration.
type Config struct {
	// PartitionTablePath is the text manifest of partition name -> size
	// in PEBs (see partitions.go).
	PartitionTablePath string
	// StagingVolumeName identifies the UBI volume the writer targets.
	StagingVolumeName string
	// StoreDir holds the two mirrored resume-context files.
	StoreDir string
	// FlashDevices maps a partition name to its MTD device path, for
	// the real flash/mtdflash backend.
	FlashDevices map[string]string
	// DefaultCweProductIds is the compiled CWE product-id allow-list,
	// overridable per deployment.
	DefaultCweProductIds []uint32
	// NestedUbiImages maps a CWE image-type token (e.g. "SYST") to the
	// nested UBI volume it must be routed into via
	// OpenUbi/OpenUbiVolume/WriteUbi rather than a plain Write. The CWE
	// header carries no such marker of its own, so this mapping is a
	// deployment-time configuration choice.
	NestedUbiImages map[string]NestedUbiImage
	// PatchSourcePartition names the partition (in the partition table)
	// holding the reference UBI volumes delta images patch against.
	// Empty disables delta-patch support.
	PatchSourcePartition string
	// PatchBinaryPath is the external bspatch-style binary invoked for
	// "normal" and "deflate" patch chunks.
	PatchBinaryPath string
}

// NestedUbiImage describes one CWE image type that is itself a
// pre-serialized UBI volume to be written through the staging writer's
// nested-UBI bookkeeping calls instead of a plain Write.
type NestedUbiImage struct {
	VolID   uint32
	Name    string
	Dynamic bool
}

func defaults() Config {
	return Config{
		PartitionTablePath: DefaultPartitionTablePath,
		StagingVolumeName:  DefaultStagingVolumeName,
		StoreDir:           DefaultStoreDir,
		FlashDevices:       map[string]string{},
		NestedUbiImages:    map[string]NestedUbiImage{},
		PatchBinaryPath:    DefaultPatchBinaryPath,
	}
}

// Load reads configFile and fills in any field the file leaves zero with
// the compiled default. A missing or unparsable file falls back entirely
// to defaults, logged at Info; an absent config file is a supported
// deployment, not an error.
func Load(configFile string) (*Config, error) {
	cfg := defaults()

	if err := readConfigFile(&cfg, configFile); err != nil {
		log.WithError(err).WithField("file", configFile).
			Info("conf: error loading configuration from file, using defaults")
		d := defaults()
		return &d, nil
	}

	if cfg.StagingVolumeName == "" {
		cfg.StagingVolumeName = DefaultStagingVolumeName
	}
	if cfg.StoreDir == "" {
		cfg.StoreDir = DefaultStoreDir
	}
	if cfg.PartitionTablePath == "" {
		cfg.PartitionTablePath = DefaultPartitionTablePath
	}
	if cfg.FlashDevices == nil {
		cfg.FlashDevices = map[string]string{}
	}
	if cfg.NestedUbiImages == nil {
		cfg.NestedUbiImages = map[string]NestedUbiImage{}
	}
	if cfg.PatchBinaryPath == "" {
		cfg.PatchBinaryPath = DefaultPatchBinaryPath
	}
	return &cfg, nil
}

func readConfigFile(cfg *Config, fileName string) error {
	log.Debug("conf: reading configuration from file " + fileName)
	buf, err := ioutil.ReadFile(fileName)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(buf, cfg); err != nil {
		return errors.Wrap(err, "conf: error parsing configuration file")
	}
	return nil
}

// ProductIDAllowList converts DefaultCweProductIds into the map shape
// cwe.Header.Validate expects.
func (c *Config) ProductIDAllowList() map[uint32]bool {
	m := make(map[uint32]bool, len(c.DefaultCweProductIds))
	for _, id := range c.DefaultCweProductIds {
		m[id] = true
	}
	return m
}
