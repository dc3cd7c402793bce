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

package patch

import "io"

// SourceReader reads an extent from the origin image a patch is applied
// against -- typically an already-flashed UBI volume, whose ubi.Volume.ReadAt
// presents a flat byte-addressed view across its LEBs.
type SourceReader interface {
	ReadAt(offset, length uint32) ([]byte, error)
}

// DestWriter receives the bytes a chunk produces, in order. It is
// typically the staging writer's current UBI sub-stream.
type DestWriter interface {
	Write(data []byte) (int, error)
}

// PatchRunner is the external collaborator that implements the actual
// byte-diff algorithm imgdiff/bspatch encode, used for "normal" chunks and
// for the inflated source of deflate chunks. This
// module owns only the chunk framing and state machine; the codec itself
// is always injected, never shelled out to directly, so hosts without a
// bspatch binary can satisfy it with a library.
type PatchRunner interface {
	ApplyChunk(meta Meta, c Chunk, src SourceReader, patchData io.Reader, dest DestWriter) (written uint64, err error)
}
