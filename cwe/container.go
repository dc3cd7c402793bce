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

package cwe

import (
	"io"

	"github.com/northern-embedded/swifota/status"
)

// Visitor is called once per leaf (non-APPL) image found while walking a
// container. It must consume exactly h.ImageSize bytes from the reader
// WalkContainer was given -- the payload dispatch to the staging writer or
// the patch applier happens inside the visitor, not in this package.
type Visitor func(h Header) error

// WalkContainer reads one top-level CWE header from r. If it is an APPL
// image, its ImageSize bytes are walked as a nested sequence of further
// CWE images (recursively, to any depth); otherwise Visitor is invoked
// once for the single leaf image.
func WalkContainer(r io.Reader, allowedProductIDs map[uint32]bool, visit Visitor) error {
	h, err := readHeader(r, allowedProductIDs)
	if err != nil {
		return err
	}
	if h.ImageType == ImageTypeAppl {
		remaining := h.ImageSize
		return walkNested(r, allowedProductIDs, visit, &remaining)
	}
	return visit(h)
}

func readHeader(r io.Reader, allowed map[uint32]bool) (Header, error) {
	buf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Header{}, status.Wrap(status.IOError, err, "cwe: read header")
	}
	return ParseAndValidate(buf, allowed)
}

// walkNested consumes headers and their image data from r until remaining
// bytes of the enclosing APPL payload are exhausted.
func walkNested(r io.Reader, allowed map[uint32]bool, visit Visitor, remaining *uint32) error {
	for *remaining > 0 {
		if *remaining < HeaderSize {
			return status.New(status.FormatError, "cwe: nested container truncated")
		}
		h, err := readHeader(r, allowed)
		if err != nil {
			return err
		}
		*remaining -= HeaderSize
		if h.ImageSize > *remaining {
			return status.New(status.FormatError, "cwe: nested image larger than enclosing container")
		}

		if h.ImageType == ImageTypeAppl {
			inner := h.ImageSize
			if err := walkNested(r, allowed, visit, &inner); err != nil {
				return err
			}
		} else if err := visit(h); err != nil {
			return err
		}
		*remaining -= h.ImageSize
	}
	return nil
}
