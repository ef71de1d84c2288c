package jsonapi

import (
	"net/url"
	"strconv"
)

// Page describes one page of a collection.
type Page struct {
	Total   int
	Number  int // 1-based
	Size    int
	BaseURL string
}

// NewPage clamps number and size to sane values.
func NewPage(total, number, size int, baseURL string) *Page {
	if number < 1 {
		number = 1
	}
	if size < 1 {
		size = 20
	}
	return &Page{Total: total, Number: number, Size: size, BaseURL: baseURL}
}

// Count returns the number of pages, at least 1.
func (p *Page) Count() int {
	if p.Total <= 0 {
		return 1
	}
	return (p.Total + p.Size - 1) / p.Size
}

// Bounds returns the slice bounds of this page in a collection of Total
// items.
func (p *Page) Bounds() (lo, hi int) {
	lo = (p.Number - 1) * p.Size
	if lo > p.Total {
		lo = p.Total
	}
	hi = lo + p.Size
	if hi > p.Total {
		hi = p.Total
	}
	return lo, hi
}

// Links returns first, last, prev and next links.
func (p *Page) Links() *Links {
	if p.BaseURL == "" {
		return nil
	}
	count := p.Count()
	links := &Links{
		Self:  p.url(p.Number),
		First: p.url(1),
		Last:  p.url(count),
	}
	if p.Number > 1 {
		links.Prev = p.url(p.Number - 1)
	}
	if p.Number < count {
		links.Next = p.url(p.Number + 1)
	}
	return links
}

func (p *Page) url(number int) string {
	u, err := url.Parse(p.BaseURL)
	if err != nil {
		return p.BaseURL
	}
	q := u.Query()
	q.Set("page[number]", strconv.Itoa(number))
	q.Set("page[size]", strconv.Itoa(p.Size))
	u.RawQuery = q.Encode()
	return u.String()
}

// Meta returns pagination metadata.
func (p *Page) Meta() Meta {
	return Meta{
		"total": p.Total,
		"page":  p.Number,
		"size":  p.Size,
		"pages": p.Count(),
	}
}

// ParsePageParams reads page[number] and page[size]. Size is capped at 100.
func ParsePageParams(query url.Values, defaultSize int) (number, size int) {
	number, size = 1, defaultSize
	if n, err := strconv.Atoi(query.Get("page[number]")); err == nil && n > 0 {
		number = n
	}
	if n, err := strconv.Atoi(query.Get("page[size]")); err == nil && n > 0 {
		size = n
	}
	if size > 100 {
		size = 100
	}
	return number, size
}
