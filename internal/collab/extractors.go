package collab

import (
	"fmt"
	"sort"

	"github.com/roach88/labeliq/internal/docstore"
)

// ExtractorOptions carries what an extractor constructor may need.
type ExtractorOptions struct {
	Input  docstore.Store
	Client *Client
}

// localExtractors holds extractors that run in-process. Build-tagged files
// add to it.
var localExtractors = map[string]func(ExtractorOptions) (Extractor, error){
	"sidecar": func(o ExtractorOptions) (Extractor, error) {
		if o.Input == nil {
			return nil, fmt.Errorf("sidecar extractor needs an input store")
		}
		return StaticExtractor{Store: o.Input}, nil
	},
	"http": func(o ExtractorOptions) (Extractor, error) {
		if o.Client == nil {
			return nil, fmt.Errorf("http extractor needs services.extractor_url")
		}
		return HTTPExtractor{Client: o.Client}, nil
	},
}

// NewExtractor builds the extractor registered under kind.
func NewExtractor(kind string, opts ExtractorOptions) (Extractor, error) {
	f, ok := localExtractors[kind]
	if !ok {
		return nil, fmt.Errorf("unknown extractor %q (available: %v)", kind, ExtractorKinds())
	}
	return f(opts)
}

// ExtractorKinds lists the registered extractor kinds.
func ExtractorKinds() []string {
	kinds := make([]string, 0, len(localExtractors))
	for k := range localExtractors {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}
