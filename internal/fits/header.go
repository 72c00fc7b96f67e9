package fits

import (
	"strconv"
	"strings"

	"github.com/astrogo/fitsio"
)

// Common keywords used across the pipeline.
const (
	KeyImageType = "IMAGETYP"
	KeyFilter    = "FILTER"
	KeyExposure  = "EXPTIME"
	KeyNCombine  = "NCOMBINE"
	KeyCombined  = "COMBINED"
)

// structural keywords are owned by the writer and never copied between files.
var structural = map[string]struct{}{
	"SIMPLE":   {},
	"BITPIX":   {},
	"NAXIS":    {},
	"NAXIS1":   {},
	"NAXIS2":   {},
	"NAXIS3":   {},
	"EXTEND":   {},
	"BZERO":    {},
	"BSCALE":   {},
	"END":      {},
	"XTENSION": {},
	"PCOUNT":   {},
	"GCOUNT":   {},
}

// Header is an ordered list of FITS cards.
type Header struct {
	cards []fitsio.Card
}

// NewHeader builds a header from cards, dropping structural keywords.
func NewHeader(cards ...fitsio.Card) *Header {
	h := &Header{}
	for _, c := range cards {
		if _, skip := structural[c.Name]; skip {
			continue
		}
		if c.Name == "COMMENT" || c.Name == "HISTORY" || c.Name == "" {
			h.cards = append(h.cards, c)
			continue
		}
		h.Set(c.Name, c.Value, c.Comment)
	}
	return h
}

// Cards returns a copy of the header cards in order.
func (h *Header) Cards() []fitsio.Card {
	if h == nil {
		return nil
	}
	out := make([]fitsio.Card, len(h.cards))
	copy(out, h.cards)
	return out
}

// Clone returns an independent copy.
func (h *Header) Clone() *Header {
	return &Header{cards: h.Cards()}
}

// Len reports the number of cards.
func (h *Header) Len() int {
	if h == nil {
		return 0
	}
	return len(h.cards)
}

func (h *Header) index(name string) int {
	if h == nil {
		return -1
	}
	name = strings.ToUpper(name)
	for i := range h.cards {
		if h.cards[i].Name == name {
			return i
		}
	}
	return -1
}

// Has reports whether a keyword is present.
func (h *Header) Has(name string) bool {
	return h.index(name) >= 0
}

// Get returns the raw card for name.
func (h *Header) Get(name string) (fitsio.Card, bool) {
	i := h.index(name)
	if i < 0 {
		return fitsio.Card{}, false
	}
	return h.cards[i], true
}

// Set replaces or appends a card.
func (h *Header) Set(name string, value any, comment string) {
	name = strings.ToUpper(name)
	if i := h.index(name); i >= 0 {
		h.cards[i].Value = value
		if comment != "" {
			h.cards[i].Comment = comment
		}
		return
	}
	h.cards = append(h.cards, fitsio.Card{Name: name, Value: value, Comment: comment})
}

// Delete removes a keyword if present.
func (h *Header) Delete(name string) {
	if i := h.index(name); i >= 0 {
		h.cards = append(h.cards[:i], h.cards[i+1:]...)
	}
}

// String returns a string value with FITS padding removed.
func (h *Header) String(name string) string {
	c, ok := h.Get(name)
	if !ok || c.Value == nil {
		return ""
	}
	switch v := c.Value.(type) {
	case string:
		return strings.TrimSpace(v)
	default:
		return strings.TrimSpace(strings.Trim(formatValue(v), "'"))
	}
}

// Float returns a numeric value. String values holding a number are accepted.
func (h *Header) Float(name string) (float64, bool) {
	c, ok := h.Get(name)
	if !ok {
		return 0, false
	}
	return toFloat(c.Value)
}

// Int returns a numeric value truncated to int.
func (h *Header) Int(name string) (int, bool) {
	f, ok := h.Float(name)
	if !ok {
		return 0, false
	}
	return int(f), true
}

// ImageType returns IMAGETYP.
func (h *Header) ImageType() string { return h.String(KeyImageType) }

// Filter returns FILTER.
func (h *Header) Filter() string { return h.String(KeyFilter) }

// Exposure returns EXPTIME in seconds.
func (h *Header) Exposure() (float64, bool) { return h.Float(KeyExposure) }

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case int16:
		return float64(n), true
	case int8:
		return float64(n), true
	case uint8:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

func formatValue(v any) string {
	switch n := v.(type) {
	case bool:
		if n {
			return "T"
		}
		return "F"
	case float64:
		return strconv.FormatFloat(n, 'g', -1, 64)
	case int:
		return strconv.Itoa(n)
	default:
		f, ok := toFloat(v)
		if ok {
			return strconv.FormatFloat(f, 'g', -1, 64)
		}
		return ""
	}
}
