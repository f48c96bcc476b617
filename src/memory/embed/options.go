package embed

// Options configure the local fastembed provider.
type Options struct {
	Model     string
	CacheDir  string
	MaxLength int
	BatchSize int
}
