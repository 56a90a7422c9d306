package domain

// Document is the persisted registry content: a single mapping from
// identity to instance record.
type Document struct {
	Instances map[string]Instance `json:"instances"`
}

// NewDocument returns an empty, usable document.
func NewDocument() *Document {
	return &Document{Instances: make(map[string]Instance)}
}

// NextPort returns the lowest port at or above base not held by any record.
func (d *Document) NextPort(base int) int {
	used := make(map[int]bool, len(d.Instances))
	for _, inst := range d.Instances {
		used[inst.Port] = true
	}
	port := base
	for used[port] {
		port++
	}
	return port
}
