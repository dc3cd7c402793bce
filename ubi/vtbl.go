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

package ubi

import (
	"encoding/binary"

	"github.com/northern-embedded/swifota/status"
)

// VTBLRecord is one entry of the volume table: the directory entry for a
// single volume (or an erased/unused slot).
type VTBLRecord struct {
	ReservedPebs uint32
	Alignment    uint32
	DataPad      uint32
	VolType      VolType
	UpdMarker    uint8
	Name         string
	Flags        uint8
}

func (r VTBLRecord) erasedEntry() bool {
	return r.ReservedPebs == reservedPebsErased
}

func encodeVTBLRecord(r VTBLRecord) []byte {
	buf := make([]byte, VTBLRecordSize)
	binary.BigEndian.PutUint32(buf[0:4], r.ReservedPebs)
	binary.BigEndian.PutUint32(buf[4:8], r.Alignment)
	binary.BigEndian.PutUint32(buf[8:12], r.DataPad)
	buf[12] = byte(r.VolType)
	buf[13] = r.UpdMarker
	nameBytes := []byte(r.Name)
	if len(nameBytes) > MaxNameLen {
		nameBytes = nameBytes[:MaxNameLen]
	}
	binary.BigEndian.PutUint16(buf[14:16], uint16(len(nameBytes)))
	copy(buf[16:16+128], nameBytes)
	buf[144] = r.Flags
	binary.BigEndian.PutUint32(buf[VTBLRecordSize-4:VTBLRecordSize], crc32Of(buf[:VTBLRecordSize-4]))
	return buf
}

func decodeVTBLRecord(buf []byte) (VTBLRecord, error) {
	var r VTBLRecord
	if len(buf) != VTBLRecordSize {
		return r, status.New(status.BadParameter, "ubi: VTBL record wrong size")
	}
	r.ReservedPebs = binary.BigEndian.Uint32(buf[0:4])
	if r.erasedEntry() {
		return r, nil
	}
	r.Alignment = binary.BigEndian.Uint32(buf[4:8])
	r.DataPad = binary.BigEndian.Uint32(buf[8:12])
	r.VolType = VolType(buf[12])
	r.UpdMarker = buf[13]
	nameLen := binary.BigEndian.Uint16(buf[14:16])
	if int(nameLen) > 128 {
		return r, status.New(status.FormatError, "ubi: VTBL record name too long")
	}
	r.Name = string(buf[16 : 16+nameLen])
	r.Flags = buf[144]

	crc := binary.BigEndian.Uint32(buf[VTBLRecordSize-4 : VTBLRecordSize])
	if crc32Of(buf[:VTBLRecordSize-4]) != crc {
		return r, status.New(status.FormatError, "ubi: VTBL record CRC mismatch")
	}
	return r, nil
}

// emptyVTBL returns a table of MaxVolumes erased entries.
func emptyVTBL() [MaxVolumes]VTBLRecord {
	var table [MaxVolumes]VTBLRecord
	for i := range table {
		table[i] = VTBLRecord{ReservedPebs: reservedPebsErased}
	}
	return table
}
