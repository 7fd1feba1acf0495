package query

type Pagination struct {
	CurrentPage int  `json:"currentPage"`
	Limit       int  `json:"limit"`
	Pages       int  `json:"pages"`
	NextPage    *int `json:"nextPage,omitempty"`
	PrevPage    *int `json:"prevPage,omitempty"`
}

// Paginate describes page of limit over total matching documents. The next
// and previous markers are set only when such a page exists.
func Paginate(page, limit int, total int64) Pagination {
	p := Pagination{
		CurrentPage: page,
		Limit:       limit,
		Pages:       int((total + int64(limit) - 1) / int64(limit)),
	}
	skip := int64(page-1) * int64(limit)
	if int64(page)*int64(limit) < total {
		next := page + 1
		p.NextPage = &next
	}
	if skip > 0 {
		prev := page - 1
		p.PrevPage = &prev
	}
	return p
}

// Skip is the number of documents before the requested page.
func (p Params) Skip() int64 {
	return int64(p.Page-1) * int64(p.Limit)
}
