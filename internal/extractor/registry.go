package extractor

import (
	"errors"
)

// Registry selects the extractor responsible for a URL.
type Registry struct {
	extractors []Extractor
}

func NewRegistry(extractors ...Extractor) *Registry {
	return &Registry{extractors: extractors}
}

// Match finds the first URL in the text which an extractor recognises.
// If a URL belongs to a known host but has an unsupported shape, the
// extractors InputError is returned. ErrNoMatch is returned if nothing
// in the text is recognised.
func (r *Registry) Match(text string) (Extractor, Classification, error) {
	for _, candidate := range FindURLs(text) {
		u, err := Canonicalize(candidate)
		if err != nil {
			continue
		}

		for _, ext := range r.extractors {
			class, err := ext.Classify(u)
			if errors.Is(err, ErrUnsupportedHost) {
				continue
			} else if err != nil {
				return ext, Classification{}, err
			}

			return ext, class, nil
		}
	}

	return nil, Classification{}, ErrNoMatch
}

// ByName returns the registered extractor with the given name.
func (r *Registry) ByName(name string) (Extractor, bool) {
	for _, ext := range r.extractors {
		if ext.Name() == name {
			return ext, true
		}
	}

	return nil, false
}
