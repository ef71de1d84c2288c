package jsonapi

// DocumentBuilder builds a Document.
type DocumentBuilder struct {
	doc Document
}

// NewDocument starts a document.
func NewDocument() *DocumentBuilder {
	return &DocumentBuilder{}
}

// Data sets the primary data: a Resource, a []Resource or nil.
func (b *DocumentBuilder) Data(data any) *DocumentBuilder {
	b.doc.Data = data
	b.doc.Errors = nil
	return b
}

// Errors sets the errors array and clears the primary data.
func (b *DocumentBuilder) Errors(errs ...Error) *DocumentBuilder {
	b.doc.Errors = errs
	b.doc.Data = nil
	return b
}

// Meta adds a metadata entry.
func (b *DocumentBuilder) Meta(key string, value any) *DocumentBuilder {
	if b.doc.Meta == nil {
		b.doc.Meta = make(Meta)
	}
	b.doc.Meta[key] = value
	return b
}

// Self sets the top-level self link.
func (b *DocumentBuilder) Self(url string) *DocumentBuilder {
	if b.doc.Links == nil {
		b.doc.Links = &Links{}
	}
	b.doc.Links.Self = url
	return b
}

// Page adds pagination metadata and links.
func (b *DocumentBuilder) Page(p *Page) *DocumentBuilder {
	if p == nil {
		return b
	}
	for k, v := range p.Meta() {
		b.Meta(k, v)
	}
	b.doc.Links = p.Links()
	return b
}

// Build returns the document with the version object set.
func (b *DocumentBuilder) Build() Document {
	b.doc.JSONAPI = &JSONAPI{Version: Version}
	return b.doc
}

// ResourceBuilder builds a Resource.
type ResourceBuilder struct {
	r Resource
}

// NewResource starts a resource of the given type and id.
func NewResource(resourceType, id string) *ResourceBuilder {
	return &ResourceBuilder{r: Resource{
		Type:       resourceType,
		ID:         id,
		Attributes: make(map[string]any),
	}}
}

// Attr sets one attribute.
func (b *ResourceBuilder) Attr(key string, value any) *ResourceBuilder {
	b.r.Attributes[key] = value
	return b
}

// Attrs copies attributes, skipping the reserved id and type keys.
func (b *ResourceBuilder) Attrs(attrs map[string]any) *ResourceBuilder {
	for k, v := range attrs {
		if k == "id" || k == "type" {
			continue
		}
		b.r.Attributes[k] = v
	}
	return b
}

// BelongsTo adds a to-one relationship. An empty id adds nothing.
func (b *ResourceBuilder) BelongsTo(name, relType, relID string) *ResourceBuilder {
	if relID == "" {
		return b
	}
	if b.r.Relationships == nil {
		b.r.Relationships = make(map[string]Relationship)
	}
	b.r.Relationships[name] = Relationship{Data: ResourceIdentifier{Type: relType, ID: relID}}
	return b
}

// Meta adds resource metadata.
func (b *ResourceBuilder) Meta(key string, value any) *ResourceBuilder {
	if b.r.Meta == nil {
		b.r.Meta = make(Meta)
	}
	b.r.Meta[key] = value
	return b
}

// Link sets the resource's self link.
func (b *ResourceBuilder) Link(self string) *ResourceBuilder {
	b.r.Links = &Links{Self: self}
	return b
}

// Build returns the resource.
func (b *ResourceBuilder) Build() Resource {
	return b.r
}
