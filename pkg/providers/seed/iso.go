/*
Copyright 2025 The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package seed

import (
	"fmt"
	"os"

	diskfs "github.com/diskfs/go-diskfs"
	"github.com/diskfs/go-diskfs/disk"
	"github.com/diskfs/go-diskfs/filesystem"
	"github.com/diskfs/go-diskfs/filesystem/iso9660"
)

// NoCloud expects the seed volume label to be exactly "cidata".
const cidataVolumeLabel = "cidata"

// isoSizeBytes leaves generous slack for the two small cloud-init files.
const isoSizeBytes = 4 * 1024 * 1024

// WriteISO materialises a cidata ISO9660 image at path containing the two
// cloud-init files. An existing file at path is replaced. The two files
// carry the given bytes unchanged, but the ISO9660 container records
// mastering timestamps, so two runs do not give byte-identical images.
func WriteISO(path string, metaData, userData []byte) error {
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("failed to replace seed image %s: %w", path, err)
	}

	img, err := diskfs.Create(path, isoSizeBytes, diskfs.Raw, diskfs.SectorSizeDefault)
	if err != nil {
		return fmt.Errorf("failed to create seed image %s: %w", path, err)
	}

	fs, err := img.CreateFilesystem(disk.FilesystemSpec{
		Partition:   0,
		FSType:      filesystem.TypeISO9660,
		VolumeLabel: cidataVolumeLabel,
	})
	if err != nil {
		return fmt.Errorf("failed to create iso9660 filesystem: %w", err)
	}

	for _, file := range []struct {
		name    string
		content []byte
	}{
		{"meta-data", metaData},
		{"user-data", userData},
	} {
		rw, err := fs.OpenFile("/"+file.name, os.O_CREATE|os.O_RDWR)
		if err != nil {
			return fmt.Errorf("failed to open %s in seed image: %w", file.name, err)
		}

		if _, err = rw.Write(file.content); err != nil {
			return fmt.Errorf("failed to write %s in seed image: %w", file.name, err)
		}
	}

	iso, ok := fs.(*iso9660.FileSystem)
	if !ok {
		return fmt.Errorf("unexpected filesystem type for seed image %s", path)
	}

	if err := iso.Finalize(iso9660.FinalizeOptions{
		RockRidge:        true,
		VolumeIdentifier: cidataVolumeLabel,
	}); err != nil {
		return fmt.Errorf("failed to finalize seed image %s: %w", path, err)
	}

	return nil
}
