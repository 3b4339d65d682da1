// Package stats keeps the persistent counters of filtered items and derives
// the toolbar badge from them.
package stats

import (
	"context"
	"strings"

	"github.com/pkg/errors"
)

type Kind string

const (
	KindText   Kind = "text"
	KindImages Kind = "images"
)

var ErrUnknownKind = errors.New("unknown stats kind")

// ParseKind accepts the content script type names.
func ParseKind(s string) (Kind, error) {
	switch Kind(strings.TrimSpace(s)) {
	case KindText:
		return KindText, nil
	case KindImages:
		return KindImages, nil
	default:
		return "", errors.Wrapf(ErrUnknownKind, "%q", s)
	}
}

// Key is the storage key used by the extension, e.g. "textFiltered".
func (k Kind) Key() string {
	return string(k) + "Filtered"
}

type Counters struct {
	TextFiltered   int64 `json:"textFiltered"`
	ImagesFiltered int64 `json:"imagesFiltered"`
}

func (c Counters) Total() int64 {
	return c.TextFiltered + c.ImagesFiltered
}

func (c *Counters) set(k Kind, v int64) {
	switch k {
	case KindText:
		c.TextFiltered = v
	case KindImages:
		c.ImagesFiltered = v
	}
}

// Store persists the counters.
type Store interface {
	Get(ctx context.Context) (Counters, error)
	// Add increments kind by n and returns the new value.
	Add(ctx context.Context, kind Kind, n int64) (int64, error)
	Reset(ctx context.Context) error
	Close() error
}
