// Package line selects the upload endpoint ("line") a video is sent through.
package line

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Name identifies a supported upload line.
type Name string

// Supported lines.
const (
	Kodo        Name = "kodo"
	BDA2        Name = "bda2"
	QN          Name = "qn"
	WS          Name = "ws"
	COS         Name = "cos"
	COSInternal Name = "cos-internal"
)

// ErrUnknownLine is returned for line names outside the supported set.
var ErrUnknownLine = errors.New("unknown upload line")

// Line is the endpoint configuration of one upload line.
type Line struct {
	Name Name
	// OS is the storage backend tag sent with the preupload request.
	OS string
	// Query is appended to the preupload request.
	Query string
	// ProbeURL is a scheme relative URL answering quickly when the line is healthy.
	// Lines without one are never probed.
	ProbeURL string
}

func (l Line) String() string {
	return fmt.Sprintf("%s (os=%s)", l.Name, l.OS)
}

var lines = map[Name]Line{
	Kodo: {
		Name:     Kodo,
		OS:       "kodo",
		Query:    "bucket=bvcupcdnkodobm&probe_version=20211012",
		ProbeURL: "//up-na0.qbox.me/crossdomain.xml",
	},
	BDA2: {
		Name:     BDA2,
		OS:       "upos",
		Query:    "probe_version=20211012&upcdn=bda2",
		ProbeURL: "//upos-sz-upcdnbda2.bilivideo.com/OK",
	},
	QN: {
		Name:     QN,
		OS:       "upos",
		Query:    "probe_version=20211012&upcdn=qn",
		ProbeURL: "//upos-sz-upcdnqn.bilivideo.com/OK",
	},
	WS: {
		Name:     WS,
		OS:       "upos",
		Query:    "probe_version=20211012&upcdn=ws",
		ProbeURL: "//upos-sz-upcdnws.bilivideo.com/OK",
	},
	COS: {
		Name:  COS,
		OS:    "cos",
		Query: "probe_version=20211012",
	},
	COSInternal: {
		Name:  COSInternal,
		OS:    "cos-internal",
		Query: "probe_version=20211012",
	},
}

// Names returns the supported line names.
func Names() []Name {
	return []Name{Kodo, BDA2, QN, WS, COS, COSInternal}
}

// Lookup returns the line called name.
func Lookup(name string) (Line, error) {
	l, ok := lines[Name(name)]
	if !ok {
		names := make([]string, 0, len(lines))
		for _, n := range Names() {
			names = append(names, string(n))
		}
		return Line{}, fmt.Errorf("%w: %q, supported lines: %s", ErrUnknownLine, name, strings.Join(names, ", "))
	}
	return l, nil
}

// Default is the line used when probing fails.
func Default() Line {
	return lines[BDA2]
}

// Candidates returns the lines that can be probed.
func Candidates() []Line {
	var candidates []Line
	for _, n := range Names() {
		if l := lines[n]; l.ProbeURL != "" {
			candidates = append(candidates, l)
		}
	}
	return candidates
}

// Prober picks a line when the caller did not name one. It must not fail.
type Prober interface {
	Probe(ctx context.Context) Line
}

// Resolve returns the line called name, or asks prober for one when name is empty.
// Unknown names fail before any network call.
func Resolve(ctx context.Context, name string, prober Prober) (Line, error) {
	if name != "" {
		return Lookup(name)
	}
	if prober == nil {
		return Default(), nil
	}
	return prober.Probe(ctx), nil
}
