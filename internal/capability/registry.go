package capability

import "fmt"

// Registry holds the concrete capability implementations the pipeline runs
// against. Components take exactly the interfaces they declare; the registry
// exists so wiring happens in one place instead of reflection-style lookup
// by step name.
type Registry struct {
	generator Generator
	embedder  Embedder
	engine    QueryEngine
	docStore  DocumentStore
}

// Builder assembles a Registry. Build fails fast on a missing capability so
// a misconfigured deployment dies at startup, not mid-task.
type Builder struct {
	reg Registry
}

func NewBuilder() *Builder {
	return &Builder{}
}

func (b *Builder) WithGenerator(g Generator) *Builder {
	b.reg.generator = g
	return b
}

func (b *Builder) WithEmbedder(e Embedder) *Builder {
	b.reg.embedder = e
	return b
}

func (b *Builder) WithQueryEngine(q QueryEngine) *Builder {
	b.reg.engine = q
	return b
}

func (b *Builder) WithDocumentStore(d DocumentStore) *Builder {
	b.reg.docStore = d
	return b
}

func (b *Builder) Build() (*Registry, error) {
	if b.reg.generator == nil {
		return nil, fmt.Errorf("registry: generator capability not bound")
	}
	if b.reg.embedder == nil {
		return nil, fmt.Errorf("registry: embedder capability not bound")
	}
	if b.reg.engine == nil {
		return nil, fmt.Errorf("registry: query engine capability not bound")
	}
	if b.reg.docStore == nil {
		return nil, fmt.Errorf("registry: document store capability not bound")
	}
	return &b.reg, nil
}

func (r *Registry) Generator() Generator         { return r.generator }
func (r *Registry) Embedder() Embedder           { return r.embedder }
func (r *Registry) QueryEngine() QueryEngine     { return r.engine }
func (r *Registry) DocumentStore() DocumentStore { return r.docStore }
