package shm

import (
	"fmt"
	"strings"

	"github.com/danmuck/tensorpool/internal/protocol"
)

const (
	uriPrefix     = "shm:file?"
	paramPath     = "path"
	paramHugepage = "require_hugepages"
)

// URI is a parsed region location.
type URI struct {
	Path             string
	RequireHugepages bool
}

// ParseURI parses shm:file?path=<abs>[|param=value]*. Parameters other
// than require_hugepages are refused until a peer negotiates them.
func ParseURI(uri string) (URI, error) {
	if strings.TrimSpace(uri) == "" {
		return URI{}, fmt.Errorf("shm: empty region uri: %w", protocol.ErrArg)
	}
	rest, ok := strings.CutPrefix(uri, uriPrefix)
	if !ok {
		return URI{}, fmt.Errorf("%w: %q missing %q prefix", ErrInvalidURI, uri, uriPrefix)
	}
	params := strings.Split(rest, "|")
	key, path, ok := strings.Cut(params[0], "=")
	if !ok || key != paramPath {
		return URI{}, fmt.Errorf("%w: %q first parameter must be path", ErrInvalidURI, uri)
	}
	if !strings.HasPrefix(path, "/") {
		return URI{}, fmt.Errorf("%w: %q path must be absolute", ErrInvalidURI, uri)
	}
	out := URI{Path: path}
	for _, p := range params[1:] {
		k, v, _ := strings.Cut(p, "=")
		switch k {
		case paramHugepage:
			switch v {
			case "true":
				out.RequireHugepages = true
			case "false":
			default:
				return URI{}, fmt.Errorf("%w: %q bad %s value %q", ErrInvalidURI, uri, paramHugepage, v)
			}
		default:
			return URI{}, fmt.Errorf("%w: %q unknown parameter %q", ErrInvalidURI, uri, k)
		}
	}
	return out, nil
}

// String renders u back into URI form.
func (u URI) String() string {
	s := uriPrefix + paramPath + "=" + u.Path
	if u.RequireHugepages {
		s += "|" + paramHugepage + "=true"
	}
	return s
}

// CheckSupport refuses a well-formed URI the caller cannot honour.
func (u URI) CheckSupport(hugepagesSupported bool) error {
	if u.RequireHugepages && !hugepagesSupported {
		return fmt.Errorf("%w: %s", ErrHugepages, u.Path)
	}
	return nil
}

// FileURI builds the URI for a plain region file.
func FileURI(path string) string {
	return URI{Path: path}.String()
}
