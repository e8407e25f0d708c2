// Package diskspec parses a single `--disk` argument into a structured
// Attachment (spec §4.1, §3). Grammar:
//
//	<location>[:<opt>[,<opt>]*]
//
// Recognized option tokens: ro, sync=none|fsync|full,
// caching=automatic|cached|uncached. If the last colon-separated
// segment contains no recognized option token, the entire string is
// the location — colons inside paths or URLs are preserved. This is
// the documented sharp edge from spec §9: a colon inside a local path
// can masquerade as an option delimiter, and the parser resolves the
// ambiguity by only ever looking at the final segment.
package diskspec

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/cirruslabs/vmrun/internal/imageref"
	"github.com/cirruslabs/vmrun/internal/vmerr"
)

type Kind int

const (
	KindImage Kind = iota
	KindBlockDevice
	KindNetworkBlockDevice
	KindRemoteImageRef
)

func (k Kind) String() string {
	switch k {
	case KindBlockDevice:
		return "block-device"
	case KindNetworkBlockDevice:
		return "network-block-device"
	case KindRemoteImageRef:
		return "remote-image-ref"
	default:
		return "image"
	}
}

type SyncMode int

const (
	SyncFull SyncMode = iota
	SyncNone
	SyncFsync
)

func (m SyncMode) String() string {
	switch m {
	case SyncNone:
		return "none"
	case SyncFsync:
		return "fsync"
	default:
		return "full"
	}
}

type CachingMode int

const (
	CachingAutomatic CachingMode = iota
	CachingCached
	CachingUncached
)

func (m CachingMode) String() string {
	switch m {
	case CachingCached:
		return "cached"
	case CachingUncached:
		return "uncached"
	default:
		return "automatic"
	}
}

// Attachment is a parsed, classified disk-attachment plan.
type Attachment struct {
	Kind     Kind
	Location string // path, nbd URL, or remote image reference, per Kind
	ReadOnly bool
	Sync     SyncMode
	Caching  CachingMode
}

var nbdSchemes = map[string]bool{
	"nbd":       true,
	"nbds":      true,
	"nbd+unix":  true,
	"nbds+unix": true,
}

// statFn is overridden in tests to avoid touching the real filesystem
// for the block-device classification step.
var statFn = os.Stat

// Parse parses one disk-attachment argument.
func Parse(spec string) (Attachment, error) {
	location, opts, err := splitLocationAndOptions(spec)
	if err != nil {
		return Attachment{}, err
	}

	a := Attachment{
		Location: location,
		Sync:     SyncFull,
		Caching:  CachingAutomatic,
	}
	for _, tok := range opts {
		if err := applyOption(&a, tok); err != nil {
			return Attachment{}, err
		}
	}

	if strings.HasSuffix(location, "-amd64.iso") {
		return Attachment{}, vmerr.New(vmerr.KindArchMismatch,
			fmt.Sprintf("disk image %q looks like an amd64 ISO on an Apple Silicon host", location))
	}

	a.Kind = classify(location)
	return a, nil
}

// ParseOptions parses a bare `--root-disk-opts` value: a comma
// separated option list with no location component (the root disk's
// location is always the VM Directory's own disk.img, spec §4.6). An
// empty string parses to the documented defaults (sync=full,
// caching=automatic, spec §3, §9 open question on --root-disk-opts="").
func ParseOptions(opts string) (Attachment, error) {
	a := Attachment{Sync: SyncFull, Caching: CachingAutomatic}
	if opts == "" {
		return a, nil
	}
	for _, tok := range strings.Split(opts, ",") {
		if err := applyOption(&a, tok); err != nil {
			return Attachment{}, err
		}
	}
	return a, nil
}

func classify(location string) Kind {
	if u, err := url.Parse(location); err == nil && nbdSchemes[u.Scheme] {
		return KindNetworkBlockDevice
	}
	if st, err := statFn(location); err == nil {
		mode := st.Mode()
		if mode&os.ModeDevice != 0 {
			return KindBlockDevice
		}
	}
	if _, ok := imageref.Parse(location); ok {
		return KindRemoteImageRef
	}
	return KindImage
}

// splitLocationAndOptions implements the "only the last colon segment
// may be options" rule. If that segment contains no recognized option
// token, the whole string is the location and there are no options;
// otherwise every token of it is applied as an option, and an
// unrecognized one is rejected by applyOption.
func splitLocationAndOptions(spec string) (location string, opts []string, err error) {
	idx := strings.LastIndex(spec, ":")
	if idx < 0 {
		return spec, nil, nil
	}
	candidate := spec[idx+1:]
	tokens := strings.Split(candidate, ",")
	if !looksLikeOptions(tokens) {
		return spec, nil, nil
	}
	return spec[:idx], tokens, nil
}

func looksLikeOptions(tokens []string) bool {
	for _, t := range tokens {
		t = strings.TrimSpace(t)
		switch {
		case t == "ro", strings.HasPrefix(t, "sync="), strings.HasPrefix(t, "caching="):
			return true
		}
	}
	return false
}

func applyOption(a *Attachment, tok string) error {
	tok = strings.TrimSpace(tok)
	switch {
	case tok == "ro":
		a.ReadOnly = true
	case strings.HasPrefix(tok, "sync="):
		v := strings.TrimPrefix(tok, "sync=")
		switch v {
		case "none":
			a.Sync = SyncNone
		case "fsync":
			a.Sync = SyncFsync
		case "full":
			a.Sync = SyncFull
		default:
			return vmerr.New(vmerr.KindInvalidSpec, fmt.Sprintf("unknown sync mode %q", v))
		}
	case strings.HasPrefix(tok, "caching="):
		v := strings.TrimPrefix(tok, "caching=")
		switch v {
		case "automatic":
			a.Caching = CachingAutomatic
		case "cached":
			a.Caching = CachingCached
		case "uncached":
			a.Caching = CachingUncached
		default:
			return vmerr.New(vmerr.KindInvalidSpec, fmt.Sprintf("unknown caching mode %q", v))
		}
	default:
		return vmerr.New(vmerr.KindInvalidSpec, fmt.Sprintf("unknown disk option %q", tok))
	}
	return nil
}

// String re-serializes the attachment's options for round-trip tests
// and diagnostic output. The location is not re-escaped; it is
// returned verbatim.
func (a Attachment) String() string {
	var opts []string
	if a.ReadOnly {
		opts = append(opts, "ro")
	}
	if a.Sync != SyncFull {
		opts = append(opts, "sync="+a.Sync.String())
	}
	if a.Caching != CachingAutomatic {
		opts = append(opts, "caching="+a.Caching.String())
	}
	if len(opts) == 0 {
		return a.Location
	}
	return a.Location + ":" + strings.Join(opts, ",")
}
