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

// Package status defines the closed error taxonomy shared by every
// component of the staging engine, plus the textual status labels used
// for user-visible diagnostics.
package status

import "github.com/pkg/errors"

// Code is the small, closed set of result codes every component function
// reports through.
type Code int

const (
	OK Code = iota
	BadParameter
	Fault
	Unsupported
	OutOfRange
	NotPermitted
	IOError
	FormatError
	Busy
	Duplicate
	NoMemory
	NotFound
)

func (c Code) String() string {
	switch c {
	case OK:
		return "ok"
	case BadParameter:
		return "bad-parameter"
	case Fault:
		return "fault"
	case Unsupported:
		return "unsupported"
	case OutOfRange:
		return "out-of-range"
	case NotPermitted:
		return "not-permitted"
	case IOError:
		return "io-error"
	case FormatError:
		return "format-error"
	case Busy:
		return "busy"
	case Duplicate:
		return "duplicate"
	case NoMemory:
		return "no-memory"
	case NotFound:
		return "not-found"
	default:
		return "unknown"
	}
}

// Err is an error tagged with a Code. Components should construct these
// with New/Wrap rather than building the struct directly, so that Cause()
// chains stay intact for errors.Cause/CodeOf.
type Err struct {
	code  Code
	cause error
}

func (e *Err) Error() string {
	if e.cause == nil {
		return e.code.String()
	}
	return e.code.String() + ": " + e.cause.Error()
}

// Cause lets github.com/pkg/errors.Cause() see through to the underlying
// error, matching the convention the rest of the tree relies on.
func (e *Err) Cause() error {
	return e.cause
}

// New creates an error carrying code with no further context.
func New(code Code, msg string) error {
	if msg == "" {
		return &Err{code: code}
	}
	return &Err{code: code, cause: errors.New(msg)}
}

// Wrap attaches code to an existing error, preserving it as the cause.
func Wrap(code Code, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Err{code: code, cause: errors.Wrap(err, msg)}
}

// Wrapf is the formatted variant of Wrap.
func Wrapf(code Code, err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return &Err{code: code, cause: errors.Wrapf(err, format, args...)}
}

// CodeOf walks err's cause chain looking for a *Err and returns its code.
// Returns Fault for any non-nil error that never passed through this
// package, OK for nil.
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}
	for e := err; e != nil; {
		if se, ok := e.(*Err); ok {
			return se.code
		}
		cause, ok := e.(interface{ Cause() error })
		if !ok {
			break
		}
		next := cause.Cause()
		if next == nil {
			break
		}
		e = next
	}
	return Fault
}

// Label returns the textual status mirrored for diagnostics, independent
// of the Code taxonomy -- these track the lifecycle of a download, not a
// single operation's result.
type Label string

const (
	LabelDownloading    Label = "Download in progress"
	LabelDownloadFailed Label = "Download failed"
	LabelTimeout        Label = "Download timeout"
	LabelNoBadImage     Label = "No bad image found"
	LabelIdle           Label = "Idle"
	LabelRebooting      Label = "Update installed, awaiting reboot"
)
