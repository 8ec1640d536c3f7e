package mapping

// Resolver looks up client codes for analyzer results.
type Resolver interface {
	// Resolve returns the client binding for an analyzer (canonical name or
	// alias) and a test key. The bool reports whether a binding exists.
	Resolve(analyzer, testKey string) (Entry, bool)

	// ClientCodes returns every distinct client code in the mapping.
	ClientCodes() []string

	// Reload re-reads the underlying source.
	Reload() error
}
