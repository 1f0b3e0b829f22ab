package storage

import "github.com/google/uuid"

const contentRefPrefix = "blob:"

// Content is uploaded attachment data held in process memory. It disappears on
// restart and when its task is deleted.
type Content struct {
	Type string
	Data []byte
}

type contentRegistry struct {
	blobs map[string]Content
}

func newContentRegistry() *contentRegistry {
	return &contentRegistry{blobs: make(map[string]Content)}
}

func (r *contentRegistry) put(contentType string, data []byte) string {
	ref := contentRefPrefix + uuid.NewString()
	buf := make([]byte, len(data))
	copy(buf, data)
	r.blobs[ref] = Content{Type: contentType, Data: buf}
	return ref
}

func (r *contentRegistry) get(ref string) (Content, bool) {
	c, ok := r.blobs[ref]
	return c, ok
}

func (r *contentRegistry) release(ref string) {
	delete(r.blobs, ref)
}

func (r *contentRegistry) count() int { return len(r.blobs) }
